package domain

import "time"

// EventType is the kind of semantic transition emitted for a (user, zone) pair.
type EventType string

const (
	EventNone   EventType = ""
	EventEnter  EventType = "ENTER"
	EventExit   EventType = "EXIT"
	EventDwell  EventType = "DWELL"
	EventBreach EventType = "BREACH"
)

// MembershipState is the engine's memory of one user's relationship to one zone.
// Version is compared on every write; a mismatch means another writer won.
// LastSampleAt is the timestamp of the sample that produced the stored state;
// an older sample must not overwrite it.
type MembershipState struct {
	UserID        string    `json:"user_id"`
	GeofenceID    string    `json:"geofence_id"`
	IsInside      bool      `json:"is_inside"`
	Since         time.Time `json:"since"`
	LastEventType EventType `json:"last_event_type,omitempty"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`
	DwellEmitted  bool      `json:"dwell_emitted"`
	LastSampleAt  time.Time `json:"last_sample_at,omitempty"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewMembershipState returns the implicit state of a pair never seen before.
// Version 0 means "not yet stored".
func NewMembershipState(userID, geofenceID string, at time.Time) *MembershipState {
	return &MembershipState{
		UserID:     userID,
		GeofenceID: geofenceID,
		Since:      at,
	}
}
