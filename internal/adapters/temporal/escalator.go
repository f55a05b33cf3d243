package temporaladapter

import (
	"context"
	"errors"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/workflows"
)

// Escalator implements ports.Escalator by starting an EscalationWorkflow.
type Escalator struct {
	client    client.Client
	taskQueue string
}

// Dial connects to Temporal.
func Dial(hostPort, namespace string) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client: %w", err)
	}
	return c, nil
}

// NewEscalator creates an Escalator on taskQueue.
func NewEscalator(c client.Client, taskQueue string) *Escalator {
	if taskQueue == "" {
		taskQueue = workflows.TaskQueue
	}
	return &Escalator{client: c, taskQueue: taskQueue}
}

// WorkflowID returns the escalation workflow id of an event. One event is
// escalated at most once.
func WorkflowID(eventID string) string {
	return "escalation-" + eventID
}

// Escalate starts the workflow. An escalation already running or finished for
// the same event is not an error.
func (e *Escalator) Escalate(ctx context.Context, ev *domain.GeofenceEvent) error {
	opts := client.StartWorkflowOptions{
		ID:                    WorkflowID(ev.ID),
		TaskQueue:             e.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	_, err := e.client.ExecuteWorkflow(ctx, opts, workflows.EscalationWorkflow, workflows.EscalationInput{Event: *ev})
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("start escalation %s: %w", ev.ID, err)
	}
	return nil
}
