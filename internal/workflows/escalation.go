package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// TaskQueue is the default queue the escalator worker polls.
const TaskQueue = "geofence-escalation"

// EscalationInput is the input for the escalation workflow.
type EscalationInput struct {
	Event domain.GeofenceEvent
}

// EscalationResult reports how an escalation ended.
type EscalationResult struct {
	Republished bool
	Notified    bool
}

// EscalationWorkflow handles an event whose delivery failed permanently. It
// tries one more publish with a longer budget; if that does not succeed the
// operators are notified. Critical events always notify, even when the
// republish works, since the original delivery was late.
func EscalationWorkflow(ctx workflow.Context, input EscalationInput) (EscalationResult, error) {
	logger := workflow.GetLogger(ctx)
	ev := input.Event
	logger.Info("Starting escalation workflow", "eventID", ev.ID, "type", ev.Type, "priority", ev.Priority)

	var result EscalationResult

	republishCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypePermanentPublish},
		},
	})
	err := workflow.ExecuteActivity(republishCtx, ActivityRepublishEvent, ev).Get(ctx, nil)
	if err == nil {
		result.Republished = true
		logger.Info("Escalated event republished", "eventID", ev.ID)
		if ev.Priority != domain.PriorityCritical {
			return result, nil
		}
	} else {
		logger.Warn("Republish failed, notifying operators", "eventID", ev.ID, "error", err)
	}

	reason := fmt.Sprintf("delivery failed after %d attempts: %s", ev.Attempts, ev.LastError)
	if result.Republished {
		reason = fmt.Sprintf("critical event delivered late after %d failed attempts", ev.Attempts)
	}

	notifyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    5,
		},
	})
	if err := workflow.ExecuteActivity(notifyCtx, ActivityNotifyOperators, ev, reason).Get(ctx, nil); err != nil {
		logger.Error("Operator notification failed", "eventID", ev.ID, "error", err)
		return result, err
	}
	result.Notified = true
	return result, nil
}
