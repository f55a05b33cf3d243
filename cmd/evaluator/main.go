package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	natsadapter "github.com/samirrijal/safewatch/internal/adapters/nats"
	"github.com/samirrijal/safewatch/internal/bootstrap"
	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/ports"
	"github.com/samirrijal/safewatch/internal/pkg/config"
	"github.com/samirrijal/safewatch/internal/pkg/logging"
	"github.com/samirrijal/safewatch/internal/pkg/telemetry"
)

// The evaluator consumes location samples from JetStream and runs the
// transition engine on each of them.
func main() {
	cfg, err := config.Load("safewatch-evaluator")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Telemetry.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			slog.Warn("telemetry init failed", "error", err)
		} else {
			defer shutdown()
		}
	}

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer stores.Close()

	pipeline, err := bootstrap.NewPipeline(cfg, stores, logger)
	if err != nil {
		log.Fatalf("pipeline: %v", err)
	}
	defer pipeline.Close()
	pipeline.Retry.Start(ctx)

	var sub ports.LocationSubscriber
	sub, err = natsadapter.NewSubscriber(cfg.NATS.URL, cfg.NATS.Workers, logger)
	if err != nil {
		log.Fatalf("nats subscriber: %v", err)
	}
	defer sub.Close()

	err = sub.SubscribeLocations(ctx, func(ctx context.Context, sample *domain.LocationSample) error {
		res, err := pipeline.Engine.Evaluate(ctx, sample.UserID, sample)
		if err != nil {
			logger.Warn("evaluation failed", "user_id", sample.UserID, "error", err)
			return err
		}
		logger.Debug("sample evaluated",
			"user_id", sample.UserID,
			"events", len(res.Events),
			"skipped", len(res.Skipped),
			"stale", res.Stale,
		)
		return nil
	})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	slog.Info("evaluator started", "subject", natsadapter.LocationsSubject+".>", "workers", cfg.NATS.Workers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("evaluator stopping")
}
