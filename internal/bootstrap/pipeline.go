package bootstrap

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"

	natsadapter "github.com/samirrijal/safewatch/internal/adapters/nats"
	temporaladapter "github.com/samirrijal/safewatch/internal/adapters/temporal"
	"github.com/samirrijal/safewatch/internal/core/ports"
	"github.com/samirrijal/safewatch/internal/core/usecases"
	"github.com/samirrijal/safewatch/internal/pkg/config"
)

// Pipeline is the evaluation and delivery path of a process.
type Pipeline struct {
	Engine    *usecases.Engine
	Emitter   *usecases.Emitter
	Retry     *usecases.RetryLoop
	Publisher *natsadapter.Publisher

	temporal client.Client
}

// NewPipeline connects the publisher and optional escalator and builds the
// engine on top of stores.
func NewPipeline(cfg *config.Config, stores *Stores, logger *slog.Logger) (*Pipeline, error) {
	pub, err := natsadapter.NewPublisher(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}
	p := &Pipeline{Publisher: pub}

	var escalator ports.Escalator
	if cfg.Temporal.Enabled {
		c, err := temporaladapter.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace)
		if err != nil {
			logger.Warn("temporal unavailable, failed events will only be logged", "error", err)
		} else {
			p.temporal = c
			escalator = temporaladapter.NewEscalator(c, cfg.Temporal.TaskQueue)
		}
	}

	dcfg := DeliveryConfig(cfg)
	p.Emitter = usecases.NewEmitter(pub, stores.State, escalator, dcfg, logger)
	p.Retry = usecases.NewRetryLoop(stores.State, p.Emitter, dcfg, logger)
	p.Engine = usecases.NewEngine(stores.Registry, stores.State, p.Emitter, stores.Locker, EngineConfig(cfg), logger)
	return p, nil
}

// Close stops the retry loop and closes connections.
func (p *Pipeline) Close() {
	p.Retry.Stop()
	if p.temporal != nil {
		p.temporal.Close()
	}
	p.Publisher.Close()
}
