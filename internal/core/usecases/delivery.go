package usecases

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/ports"
	"github.com/samirrijal/safewatch/internal/pkg/metrics"
	"github.com/samirrijal/safewatch/internal/pkg/telemetry"
)

// RetryLoop periodically re-publishes outbox events that are due. It also
// picks up events left pending by a crash between commit and publish.
type RetryLoop struct {
	queue   ports.DeliveryQueue
	emitter *Emitter
	cfg     DeliveryConfig
	log     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRetryLoop creates a stopped RetryLoop.
func NewRetryLoop(queue ports.DeliveryQueue, emitter *Emitter, cfg DeliveryConfig, logger *slog.Logger) *RetryLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryLoop{
		queue:   queue,
		emitter: emitter,
		cfg:     cfg,
		log:     logger.With("component", "retry-loop"),
	}
}

// Start launches the loop. Calling Start on a running loop is a no-op.
func (r *RetryLoop) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.run(loopCtx, r.done)
	r.log.Info("delivery retry loop started",
		"interval", r.cfg.RetryInterval, "max_attempts", r.cfg.MaxAttempts)
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (r *RetryLoop) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	done := r.done
	r.running = false
	r.mu.Unlock()

	<-done
	r.log.Info("delivery retry loop stopped")
}

func (r *RetryLoop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("retry sweep", "error", err)
			}
		}
	}
}

// SweepResult summarises one RunOnce.
type SweepResult struct {
	Attempted int
	Delivered int
	Failed    int
}

// RunOnce retries every due event once and returns what happened.
func (r *RetryLoop) RunOnce(ctx context.Context) (SweepResult, error) {
	ctx, span := r.emitter.tracer.Start(ctx, telemetry.SpanRetrySweep)
	defer span.End()

	var res SweepResult
	events, err := r.queue.ListDue(ctx, r.emitter.now(), r.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	for i := range events {
		if ctx.Err() != nil {
			break
		}
		ev := &events[i]
		res.Attempted++
		if err := r.emitter.attempt(ctx, ev); err == nil {
			res.Delivered++
		} else if ev.Status == domain.DeliveryFailed {
			res.Failed++
		}
	}

	if n, err := r.queue.CountPending(ctx); err == nil {
		metrics.PendingDeliveries.Set(float64(n))
	}
	if res.Attempted > 0 {
		r.log.Info("retry sweep complete",
			"attempted", res.Attempted, "delivered", res.Delivered, "failed", res.Failed)
	}
	return res, nil
}
