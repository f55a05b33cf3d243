package ports

import (
	"context"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// EventPublisher publishes geofence events to a message broker. Publish must
// be idempotent on the event's dedup key. Errors wrapping
// domain.ErrPermanentPublish are not retried.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.GeofenceEvent) error
	Close()
}

// LocationSubscriber delivers location samples from a message broker.
type LocationSubscriber interface {
	SubscribeLocations(ctx context.Context, handler func(ctx context.Context, sample *domain.LocationSample) error) error
	Close()
}

// CacheService provides read-through caching.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}

// UserLocker serialises evaluations of one user across processes.
type UserLocker interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// Escalator hands a permanently failed event to operators.
type Escalator interface {
	Escalate(ctx context.Context, event *domain.GeofenceEvent) error
}

// NotificationService alerts humans (operators, on-call) about an event.
type NotificationService interface {
	NotifyOperators(ctx context.Context, event *domain.GeofenceEvent, reason string) error
}
