package http

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/ports"
)

// Evaluator runs the transition engine for one sample.
type Evaluator interface {
	Evaluate(ctx context.Context, userID string, sample *domain.LocationSample) (*domain.EvaluationResult, error)
}

// Pinger is a readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all services needed by HTTP handlers.
type Dependencies struct {
	Engine     Evaluator
	Zones      ports.ZoneRepository
	States     ports.MembershipStore
	Deliveries ports.DeliveryQueue
	Events     ports.EventLog
	// InvalidateZones drops cached zones of a user after an edit. Optional.
	InvalidateZones func(ctx context.Context, userID string) error
	NATS            *nats.Conn
	Logger          *slog.Logger
	// Probes are checked by /v1/ready, keyed by component name.
	Probes map[string]Pinger
}
