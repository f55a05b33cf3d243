package usecases

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/ports"
	"github.com/samirrijal/safewatch/internal/pkg/metrics"
	"github.com/samirrijal/safewatch/internal/pkg/telemetry"
)

// DeliveryConfig bounds event publication retries.
type DeliveryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RetryInterval  time.Duration
	BatchSize      int
	PublishTimeout time.Duration
}

// DefaultDeliveryConfig returns the production defaults.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:    8,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		RetryInterval:  10 * time.Second,
		BatchSize:      100,
		PublishTimeout: 5 * time.Second,
	}
}

// Emitter publishes outbox events and records the delivery outcome.
type Emitter struct {
	publisher ports.EventPublisher
	queue     ports.DeliveryQueue
	escalator ports.Escalator
	cb        *gobreaker.CircuitBreaker[struct{}]
	cfg       DeliveryConfig
	log       *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewEmitter creates a new Emitter. escalator may be nil, in which case
// permanently failed events are only logged and kept in the outbox.
func NewEmitter(publisher ports.EventPublisher, queue ports.DeliveryQueue, escalator ports.Escalator, cfg DeliveryConfig, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "emitter")

	const name = "event-publisher"
	metrics.BreakerState.WithLabelValues(name).Set(0)
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected event says nothing about broker health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrPermanentPublish)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("publisher circuit breaker", "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &Emitter{
		publisher: publisher,
		queue:     queue,
		escalator: escalator,
		cb:        cb,
		cfg:       cfg,
		log:       log,
		tracer:    telemetry.Tracer(),
		now:       time.Now,
	}
}

// Deliver makes one publish attempt per event and updates each event's
// delivery bookkeeping in place.
func (em *Emitter) Deliver(ctx context.Context, events []domain.GeofenceEvent) {
	ctx, span := em.tracer.Start(ctx, telemetry.SpanDeliver,
		trace.WithAttributes(attribute.Int(telemetry.AttrEventCount, len(events))))
	defer span.End()

	for i := range events {
		em.attempt(ctx, &events[i])
	}
}

// attempt publishes ev once. It returns the publish error, if any, after the
// outcome has been recorded.
func (em *Emitter) attempt(ctx context.Context, ev *domain.GeofenceEvent) error {
	pubCtx := ctx
	if em.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, em.cfg.PublishTimeout)
		defer cancel()
	}

	_, err := em.cb.Execute(func() (struct{}, error) {
		return struct{}{}, em.publisher.Publish(pubCtx, ev)
	})

	now := em.now()
	ev.Attempts++

	if err == nil {
		ev.Status = domain.DeliveryDelivered
		ev.DeliveredAt = &now
		ev.LastError = ""
		metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
		if err := em.queue.MarkDelivered(ctx, ev.ID, now); err != nil {
			em.log.Warn("mark delivered", "event_id", ev.ID, "error", err)
		}
		return nil
	}

	ev.LastError = err.Error()
	if errors.Is(err, domain.ErrPermanentPublish) {
		metrics.PublishFailures.WithLabelValues("permanent").Inc()
		em.fail(ctx, ev)
		return err
	}

	kind := "transient"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		kind = "circuit_open"
	}
	metrics.PublishFailures.WithLabelValues(kind).Inc()

	if ev.Attempts >= em.cfg.MaxAttempts {
		em.fail(ctx, ev)
		return err
	}

	ev.NextAttemptAt = now.Add(em.backoff(ev.Attempts))
	if err := em.queue.MarkRetry(ctx, ev.ID, ev.Attempts, ev.NextAttemptAt, ev.LastError); err != nil {
		em.log.Warn("schedule retry", "event_id", ev.ID, "error", err)
	}
	em.log.Info("event publish failed, retry scheduled",
		"event_id", ev.ID, "dedup_key", ev.DedupKey, "attempts", ev.Attempts,
		"next_attempt_at", ev.NextAttemptAt, "error", err)
	return err
}

func (em *Emitter) fail(ctx context.Context, ev *domain.GeofenceEvent) {
	ev.Status = domain.DeliveryFailed
	metrics.DeliveriesFailed.WithLabelValues(string(ev.Type)).Inc()
	if err := em.queue.MarkFailed(ctx, ev.ID, ev.Attempts, ev.LastError); err != nil {
		em.log.Error("mark failed", "event_id", ev.ID, "error", err)
	}
	em.log.Error("event delivery failed permanently",
		"event_id", ev.ID, "dedup_key", ev.DedupKey, "type", ev.Type,
		"priority", ev.Priority, "attempts", ev.Attempts, "error", ev.LastError)

	if em.escalator == nil {
		return
	}
	if err := em.escalator.Escalate(ctx, ev); err != nil {
		em.log.Error("escalate failed delivery", "event_id", ev.ID, "error", err)
	}
}

// backoff returns the wait before attempt n+1: InitialBackoff doubled per
// attempt and capped at MaxBackoff.
func (em *Emitter) backoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = em.cfg.InitialBackoff
	b.MaxInterval = em.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
