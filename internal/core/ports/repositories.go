package ports

import (
	"context"
	"time"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// ZoneRegistry is the engine's read-only view of geofences.
type ZoneRegistry interface {
	// ActiveZones returns the zones currently enabled for a user. Validity
	// windows are checked by the caller against the sample timestamp.
	ActiveZones(ctx context.Context, userID string) ([]domain.Geofence, error)
}

// ZoneRepository persists geofences for the importer and operator tooling.
type ZoneRepository interface {
	ZoneRegistry
	Upsert(ctx context.Context, zone *domain.Geofence) error
	GetByID(ctx context.Context, id string) (*domain.Geofence, error)
	CountActive(ctx context.Context, ownerID string) (int, error)
	// Delete removes a zone. It returns domain.ErrNotFound for an unknown id.
	Delete(ctx context.Context, id string) error
}

// MembershipStore holds per-(user, zone) membership state and the per-user
// sample cursor.
type MembershipStore interface {
	// GetState returns nil, nil when the pair has never been stored.
	GetState(ctx context.Context, userID, geofenceID string) (*domain.MembershipState, error)

	// PutState writes state only if the stored version equals expectedVersion
	// (0 means "must not exist") and appends events to the delivery outbox in
	// the same unit. It returns domain.ErrVersionConflict when another writer
	// got there first. On success state.Version holds the new version and the
	// returned slice holds the events actually queued: an event whose dedup key
	// is already in the outbox is dropped.
	PutState(ctx context.Context, state *domain.MembershipState, expectedVersion int64, events []domain.GeofenceEvent) ([]domain.GeofenceEvent, error)

	ListStates(ctx context.Context, userID string) ([]domain.MembershipState, error)

	// LastSampleAt returns the timestamp of the newest processed sample,
	// or the zero time.
	LastSampleAt(ctx context.Context, userID string) (time.Time, error)
	// AdvanceCursor moves the cursor forward. It never moves it backwards.
	AdvanceCursor(ctx context.Context, userID string, ts time.Time) error

	// DeleteGeofence removes all membership rows of a deleted zone.
	DeleteGeofence(ctx context.Context, geofenceID string) error
}

// DeliveryQueue is the outbox of emitted events awaiting publication.
type DeliveryQueue interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.GeofenceEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	ListFailed(ctx context.Context, limit, offset int) ([]domain.GeofenceEvent, error)
	CountPending(ctx context.Context) (int, error)
}

// EventLog is the per-user history of emitted events, newest first.
type EventLog interface {
	ListEvents(ctx context.Context, filter domain.EventFilter, limit, offset int) ([]domain.GeofenceEvent, error)
}

// StateBackend is a store that can serve membership state, the outbox and the
// event history.
type StateBackend interface {
	MembershipStore
	DeliveryQueue
	EventLog
}
