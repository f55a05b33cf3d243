package domain

import (
	"fmt"
	"time"
)

// DeliveryStatus tracks an event through the outbox.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// GeofenceEvent is an emitted transition. Everything except the delivery
// bookkeeping fields is immutable once created.
type GeofenceEvent struct {
	ID                   string    `json:"id"`
	GeofenceID           string    `json:"geofence_id"`
	GeofenceName         string    `json:"geofence_name,omitempty"`
	UserID               string    `json:"user_id"`
	Type                 EventType `json:"event_type"`
	Location             GeoPoint  `json:"location"`
	Accuracy             *float64  `json:"accuracy,omitempty"`
	DistanceFromBoundary float64   `json:"distance_from_boundary"`
	BearingFromCenter    float64   `json:"bearing_from_center"`
	Timestamp            time.Time `json:"timestamp"`
	EpisodeStart         time.Time `json:"episode_start"`
	DwellMinutes         float64   `json:"dwell_duration_minutes,omitempty"`
	DedupKey             string    `json:"dedup_key"`
	Priority             Priority  `json:"priority"`
	ZoneType             ZoneType  `json:"zone_type"`
	DeviceID             string    `json:"device_id,omitempty"`

	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// DedupKey identifies an event uniquely across retries and re-evaluations:
// the same transition of the same episode always yields the same key.
func DedupKey(geofenceID, userID string, t EventType, since time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", geofenceID, userID, t, since.UnixNano())
}

// EventFilter selects a user's event history. Empty fields match everything.
type EventFilter struct {
	UserID     string
	GeofenceID string
	Type       EventType
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev *GeofenceEvent) bool {
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.GeofenceID != "" && ev.GeofenceID != f.GeofenceID {
		return false
	}
	return f.Type == EventNone || ev.Type == f.Type
}

// ZoneDiagnostic describes a zone skipped during one evaluation.
type ZoneDiagnostic struct {
	GeofenceID string `json:"geofence_id"`
	Kind       string `json:"kind"`
	Err        error  `json:"-"`
}

func (d ZoneDiagnostic) Error() string {
	return fmt.Sprintf("zone %s: %s: %v", d.GeofenceID, d.Kind, d.Err)
}

func (d ZoneDiagnostic) Unwrap() error { return d.Err }

// EvaluationResult is returned for every processed sample.
type EvaluationResult struct {
	UserID         string           `json:"user_id"`
	Events         []GeofenceEvent  `json:"events"`
	Skipped        []ZoneDiagnostic `json:"skipped,omitempty"`
	ZonesEvaluated int              `json:"zones_evaluated"`
	Stale          bool             `json:"stale,omitempty"`
	Imprecise      bool             `json:"imprecise,omitempty"`
}
