package main

import (
	"context"
	"log"

	"go.temporal.io/sdk/worker"

	natsadapter "github.com/samirrijal/safewatch/internal/adapters/nats"
	temporaladapter "github.com/samirrijal/safewatch/internal/adapters/temporal"
	"github.com/samirrijal/safewatch/internal/bootstrap"
	"github.com/samirrijal/safewatch/internal/pkg/config"
	"github.com/samirrijal/safewatch/internal/pkg/logging"
	"github.com/samirrijal/safewatch/internal/workflows"
)

func main() {
	cfg, err := config.Load("safewatch-escalator")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Telemetry.ServiceName)

	stores, err := bootstrap.OpenStores(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer stores.Close()

	pub, err := natsadapter.NewPublisher(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer pub.Close()

	c, err := temporaladapter.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace)
	if err != nil {
		log.Fatalf("temporal client: %v", err)
	}
	defer c.Close()

	taskQueue := cfg.Temporal.TaskQueue
	if taskQueue == "" {
		taskQueue = workflows.TaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(workflows.EscalationWorkflow)
	// Without a pager integration operators are reached through the error log.
	w.RegisterActivity(&workflows.EscalationActivities{
		Publisher: pub,
		Queue:     stores.State,
		Logger:    logger,
	})

	logger.Info("escalator worker started", "task_queue", taskQueue)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
