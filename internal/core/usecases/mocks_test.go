package usecases_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// --- Mock ZoneRegistry ---

type mockRegistry struct {
	zones         []domain.Geofence
	activeZonesFn func(ctx context.Context, userID string) ([]domain.Geofence, error)
}

func (m *mockRegistry) ActiveZones(ctx context.Context, userID string) ([]domain.Geofence, error) {
	if m.activeZonesFn != nil {
		return m.activeZonesFn(ctx, userID)
	}
	return m.zones, nil
}

// --- In-memory StateBackend ---

type memStore struct {
	mu      sync.Mutex
	states  map[string]domain.MembershipState
	cursors map[string]time.Time
	events  map[string]domain.GeofenceEvent
	dedup   map[string]bool
	order   []string

	getStateFn func(userID, geofenceID string) error
	putStateFn func(state *domain.MembershipState) error
	cursorFn   func(userID string) error
	beforePut  func()

	delivered []string
	retried   []string
	failed    []string
}

func newMemStore() *memStore {
	return &memStore{
		states:  make(map[string]domain.MembershipState),
		cursors: make(map[string]time.Time),
		events:  make(map[string]domain.GeofenceEvent),
		dedup:   make(map[string]bool),
	}
}

func key(userID, geofenceID string) string { return userID + "|" + geofenceID }

func (m *memStore) GetState(ctx context.Context, userID, geofenceID string) (*domain.MembershipState, error) {
	if m.getStateFn != nil {
		if err := m.getStateFn(userID, geofenceID); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key(userID, geofenceID)]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *memStore) PutState(ctx context.Context, state *domain.MembershipState, expectedVersion int64, events []domain.GeofenceEvent) ([]domain.GeofenceEvent, error) {
	if m.beforePut != nil {
		m.beforePut()
	}
	if m.putStateFn != nil {
		if err := m.putStateFn(state); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(state.UserID, state.GeofenceID)
	if m.states[k].Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	next := *state
	next.Version = expectedVersion + 1
	m.states[k] = next
	queued := make([]domain.GeofenceEvent, 0, len(events))
	for _, ev := range events {
		if m.dedup[ev.DedupKey] {
			continue
		}
		m.dedup[ev.DedupKey] = true
		m.events[ev.ID] = ev
		m.order = append(m.order, ev.ID)
		queued = append(queued, ev)
	}
	state.Version = next.Version
	return queued, nil
}

func (m *memStore) ListStates(ctx context.Context, userID string) ([]domain.MembershipState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.MembershipState
	for _, st := range m.states {
		if st.UserID == userID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStore) LastSampleAt(ctx context.Context, userID string) (time.Time, error) {
	if m.cursorFn != nil {
		if err := m.cursorFn(userID); err != nil {
			return time.Time{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[userID], nil
}

func (m *memStore) AdvanceCursor(ctx context.Context, userID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts.After(m.cursors[userID]) {
		m.cursors[userID] = ts
	}
	return nil
}

func (m *memStore) DeleteGeofence(ctx context.Context, geofenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, st := range m.states {
		if st.GeofenceID == geofenceID {
			delete(m.states, k)
		}
	}
	return nil
}

func (m *memStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.GeofenceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GeofenceEvent
	for _, id := range m.order {
		ev := m.events[id]
		if ev.Status == domain.DeliveryPending && !ev.NextAttemptAt.After(now) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[id]
	ev.Status = domain.DeliveryDelivered
	ev.DeliveredAt = &at
	m.events[id] = ev
	m.delivered = append(m.delivered, id)
	return nil
}

func (m *memStore) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[id]
	ev.Attempts = attempts
	ev.NextAttemptAt = next
	ev.LastError = lastErr
	m.events[id] = ev
	m.retried = append(m.retried, id)
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[id]
	ev.Status = domain.DeliveryFailed
	ev.Attempts = attempts
	ev.LastError = lastErr
	m.events[id] = ev
	m.failed = append(m.failed, id)
	return nil
}

func (m *memStore) ListFailed(ctx context.Context, limit, offset int) ([]domain.GeofenceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GeofenceEvent
	for _, id := range m.failed {
		out = append(out, m.events[id])
	}
	return out, nil
}

func (m *memStore) CountPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Status == domain.DeliveryPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListEvents(ctx context.Context, f domain.EventFilter, limit, offset int) ([]domain.GeofenceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GeofenceEvent
	for i := len(m.order) - 1; i >= 0; i-- {
		if ev := m.events[m.order[i]]; f.Matches(&ev) {
			out = append(out, ev)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) state(userID, geofenceID string) (domain.MembershipState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key(userID, geofenceID)]
	return st, ok
}

func (m *memStore) event(id string) domain.GeofenceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id]
}

// --- Mock EventPublisher ---

type mockPublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, ev *domain.GeofenceEvent) error
	published []domain.GeofenceEvent
}

func (m *mockPublisher) Publish(ctx context.Context, ev *domain.GeofenceEvent) error {
	if m.publishFn != nil {
		if err := m.publishFn(ctx, ev); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, *ev)
	return nil
}

func (m *mockPublisher) Close() {}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// --- Mock Escalator ---

type mockEscalator struct {
	mu        sync.Mutex
	escalated []string
}

func (m *mockEscalator) Escalate(ctx context.Context, ev *domain.GeofenceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalated = append(m.escalated, ev.ID)
	return nil
}
