package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/ports"
)

// Activity names, registered by method name.
const (
	ActivityRepublishEvent  = "RepublishEvent"
	ActivityNotifyOperators = "NotifyOperators"
)

// ErrTypePermanentPublish tags non-retryable republish failures.
const ErrTypePermanentPublish = "PermanentPublish"

// EscalationActivities holds the activity implementations for the
// escalation workflow.
type EscalationActivities struct {
	Publisher ports.EventPublisher
	Queue     ports.DeliveryQueue
	Notifier  ports.NotificationService
	Logger    *slog.Logger
}

func (a *EscalationActivities) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// RepublishEvent makes one more publish attempt outside the engine's retry
// budget. A broker rejection is not retried by Temporal.
func (a *EscalationActivities) RepublishEvent(ctx context.Context, ev domain.GeofenceEvent) error {
	if a.Publisher == nil {
		return temporal.NewNonRetryableApplicationError("no publisher configured", ErrTypePermanentPublish, nil)
	}
	if err := a.Publisher.Publish(ctx, &ev); err != nil {
		if errors.Is(err, domain.ErrPermanentPublish) {
			return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypePermanentPublish, err)
		}
		return fmt.Errorf("republish %s: %w", ev.ID, err)
	}
	if a.Queue != nil {
		if err := a.Queue.MarkDelivered(ctx, ev.ID, time.Now().UTC()); err != nil {
			// The broker has the event; dedup makes a later replay harmless.
			a.log().Warn("mark escalated event delivered", "event_id", ev.ID, "error", err)
		}
	}
	return nil
}

// NotifyOperators tells a human that an event could not be delivered.
func (a *EscalationActivities) NotifyOperators(ctx context.Context, ev domain.GeofenceEvent, reason string) error {
	if a.Notifier == nil {
		a.log().Error("undeliverable geofence event (no notifier)",
			"event_id", ev.ID, "dedup_key", ev.DedupKey, "type", ev.Type,
			"priority", ev.Priority, "user_id", ev.UserID, "geofence_id", ev.GeofenceID,
			"reason", reason)
		return nil
	}
	if err := a.Notifier.NotifyOperators(ctx, &ev, reason); err != nil {
		return fmt.Errorf("notify operators: %w", err)
	}
	return nil
}
