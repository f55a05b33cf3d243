package usecases_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/usecases"
	"github.com/samirrijal/safewatch/internal/pkg/logging"
)

func seedEvent(store *memStore, id string, next time.Time) domain.GeofenceEvent {
	ev := domain.GeofenceEvent{
		ID:            id,
		GeofenceID:    "home",
		UserID:        "user-1",
		Type:          domain.EventEnter,
		DedupKey:      domain.DedupKey("home", "user-1", domain.EventEnter, t0),
		Status:        domain.DeliveryPending,
		NextAttemptAt: next,
		CreatedAt:     next,
	}
	store.events[id] = ev
	store.order = append(store.order, id)
	return ev
}

func testDeliveryConfig() usecases.DeliveryConfig {
	cfg := usecases.DefaultDeliveryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Minute
	return cfg
}

func TestEmitter_DeliverSuccess(t *testing.T) {
	store := newMemStore()
	pub := &mockPublisher{}
	em := usecases.NewEmitter(pub, store, nil, testDeliveryConfig(), logging.Discard())

	events := []domain.GeofenceEvent{seedEvent(store, "e1", time.Now())}
	em.Deliver(context.Background(), events)

	if events[0].Status != domain.DeliveryDelivered || events[0].Attempts != 1 {
		t.Errorf("expected delivered after 1 attempt, got %s after %d", events[0].Status, events[0].Attempts)
	}
	if len(store.delivered) != 1 || store.delivered[0] != "e1" {
		t.Errorf("expected e1 marked delivered, got %v", store.delivered)
	}
}

func TestEmitter_TransientFailureSchedulesRetry(t *testing.T) {
	store := newMemStore()
	pub := &mockPublisher{publishFn: func(ctx context.Context, ev *domain.GeofenceEvent) error {
		return fmt.Errorf("%w: broker timeout", domain.ErrPublishFailure)
	}}
	em := usecases.NewEmitter(pub, store, nil, testDeliveryConfig(), logging.Discard())

	before := time.Now()
	events := []domain.GeofenceEvent{seedEvent(store, "e1", before)}
	em.Deliver(context.Background(), events)

	ev := events[0]
	if ev.Status != domain.DeliveryPending {
		t.Fatalf("expected event to stay pending, got %s", ev.Status)
	}
	if len(store.retried) != 1 {
		t.Fatalf("expected one retry scheduled, got %d", len(store.retried))
	}
	wait := ev.NextAttemptAt.Sub(before)
	if wait < time.Second || wait > 2*time.Second {
		t.Errorf("expected ~1s backoff, got %v", wait)
	}
	if ev.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestEmitter_PermanentFailureEscalates(t *testing.T) {
	store := newMemStore()
	pub := &mockPublisher{publishFn: func(ctx context.Context, ev *domain.GeofenceEvent) error {
		return fmt.Errorf("%w: payload too large", domain.ErrPermanentPublish)
	}}
	esc := &mockEscalator{}
	em := usecases.NewEmitter(pub, store, esc, testDeliveryConfig(), logging.Discard())

	events := []domain.GeofenceEvent{seedEvent(store, "e1", time.Now())}
	em.Deliver(context.Background(), events)

	if events[0].Status != domain.DeliveryFailed {
		t.Errorf("expected failed, got %s", events[0].Status)
	}
	if len(store.failed) != 1 {
		t.Errorf("expected event marked failed, got %v", store.failed)
	}
	if len(esc.escalated) != 1 || esc.escalated[0] != "e1" {
		t.Errorf("expected e1 escalated, got %v", esc.escalated)
	}
}

func TestRetryLoop_ExhaustsAttempts(t *testing.T) {
	store := newMemStore()
	calls := 0
	pub := &mockPublisher{publishFn: func(ctx context.Context, ev *domain.GeofenceEvent) error {
		calls++
		return errors.New("connection refused")
	}}
	esc := &mockEscalator{}
	cfg := testDeliveryConfig()
	em := usecases.NewEmitter(pub, store, esc, cfg, logging.Discard())
	loop := usecases.NewRetryLoop(store, em, cfg, logging.Discard())

	seedEvent(store, "e1", time.Now().Add(-time.Second))

	for i := 0; i < cfg.MaxAttempts; i++ {
		// Make the event due again regardless of the backoff.
		store.mu.Lock()
		ev := store.events["e1"]
		if ev.Status == domain.DeliveryPending {
			ev.NextAttemptAt = time.Now().Add(-time.Second)
			store.events["e1"] = ev
		}
		store.mu.Unlock()

		if _, err := loop.RunOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if calls != cfg.MaxAttempts {
		t.Errorf("expected %d publish attempts, got %d", cfg.MaxAttempts, calls)
	}
	got := store.event("e1")
	if got.Status != domain.DeliveryFailed || got.Attempts != cfg.MaxAttempts {
		t.Errorf("expected failed after %d attempts, got %s after %d", cfg.MaxAttempts, got.Status, got.Attempts)
	}
	if len(esc.escalated) != 1 {
		t.Errorf("expected one escalation, got %d", len(esc.escalated))
	}

	res, _ := loop.RunOnce(context.Background())
	if res.Attempted != 0 {
		t.Errorf("expected failed event not to be retried, got %d attempts", res.Attempted)
	}
}

func TestRetryLoop_DeliversDueEventsOnly(t *testing.T) {
	store := newMemStore()
	pub := &mockPublisher{}
	cfg := testDeliveryConfig()
	em := usecases.NewEmitter(pub, store, nil, cfg, logging.Discard())
	loop := usecases.NewRetryLoop(store, em, cfg, logging.Discard())

	seedEvent(store, "due", time.Now().Add(-time.Minute))
	seedEvent(store, "later", time.Now().Add(time.Hour))

	res, err := loop.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempted != 1 || res.Delivered != 1 {
		t.Errorf("expected 1 attempted and delivered, got %+v", res)
	}
	if store.event("later").Status != domain.DeliveryPending {
		t.Error("expected future event to stay pending")
	}
}

func TestRetryLoop_StartStop(t *testing.T) {
	store := newMemStore()
	pub := &mockPublisher{}
	cfg := testDeliveryConfig()
	cfg.RetryInterval = 10 * time.Millisecond
	em := usecases.NewEmitter(pub, store, nil, cfg, logging.Discard())
	loop := usecases.NewRetryLoop(store, em, cfg, logging.Discard())

	seedEvent(store, "e1", time.Now().Add(-time.Second))

	loop.Start(context.Background())
	loop.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	loop.Stop()
	loop.Stop()

	if pub.count() != 1 {
		t.Errorf("expected the loop to deliver 1 event, got %d", pub.count())
	}
}
