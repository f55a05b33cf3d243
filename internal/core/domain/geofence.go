package domain

import (
	"time"
)

// MaxActiveZonesPerUser is the creation policy limit on active geofences per
// user. The transition engine evaluates whatever the registry returns.
const MaxActiveZonesPerUser = 10

// DefaultDwellThreshold applies when a zone enables dwell without a threshold.
const DefaultDwellThreshold = 5 * time.Minute

// ZoneType classifies a geofence (safe zone, restricted area, ...).
type ZoneType string

const (
	ZoneSafe       ZoneType = "safe_zone"
	ZoneRestricted ZoneType = "restricted_zone"
	ZoneWork       ZoneType = "work_zone"
	ZoneHome       ZoneType = "home_zone"
	ZoneSchool     ZoneType = "school_zone"
	ZoneEmergency  ZoneType = "emergency_zone"
	ZoneCustom     ZoneType = "custom"
)

// ZoneStatus is the lifecycle status managed by the zone owner.
type ZoneStatus string

const (
	StatusActive   ZoneStatus = "active"
	StatusInactive ZoneStatus = "inactive"
	StatusPaused   ZoneStatus = "paused"
	StatusExpired  ZoneStatus = "expired"
)

// ShapeKind tags the Shape variant.
type ShapeKind string

const (
	ShapeCircle    ShapeKind = "circle"
	ShapePolygon   ShapeKind = "polygon"
	ShapeRectangle ShapeKind = "rectangle"
)

// Shape is the boundary of a geofence. Circles use Center and RadiusMeters;
// polygons and rectangles use Vertices (rectangles have exactly four).
type Shape struct {
	Kind         ShapeKind  `json:"kind"`
	Center       GeoPoint   `json:"center,omitempty"`
	RadiusMeters float64    `json:"radius_meters,omitempty"`
	Vertices     []GeoPoint `json:"vertices,omitempty"`
}

// Priority of an emitted event.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Equal reports whether two shapes describe the same boundary.
func (s Shape) Equal(o Shape) bool {
	if s.Kind != o.Kind || s.Center != o.Center || s.RadiusMeters != o.RadiusMeters {
		return false
	}
	if len(s.Vertices) != len(o.Vertices) {
		return false
	}
	for i := range s.Vertices {
		if s.Vertices[i] != o.Vertices[i] {
			return false
		}
	}
	return true
}

// BreachPolicy controls whether entering the zone raises a BREACH.
type BreachPolicy string

const (
	BreachNone           BreachPolicy = "none"
	BreachInsteadOfEnter BreachPolicy = "instead_of_enter"
	BreachAlongsideEnter BreachPolicy = "alongside_enter"
)

// Geofence is a named geographic boundary owned by a user.
type Geofence struct {
	ID             string        `json:"id"`
	OwnerID        string        `json:"owner_id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Type           ZoneType      `json:"type"`
	Status         ZoneStatus    `json:"status"`
	Shape          Shape         `json:"shape"`
	ValidFrom      *time.Time    `json:"valid_from,omitempty"`
	ValidUntil     *time.Time    `json:"valid_until,omitempty"`
	TriggerOnEnter bool          `json:"trigger_on_enter"`
	TriggerOnExit  bool          `json:"trigger_on_exit"`
	TriggerOnDwell bool          `json:"trigger_on_dwell"`
	DwellThreshold time.Duration `json:"dwell_threshold"`
	BreachPolicy   BreachPolicy  `json:"breach_policy,omitempty"`
	Priority       Priority      `json:"priority,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ActiveAt reports whether the zone should be evaluated for a sample taken at t.
func (g *Geofence) ActiveAt(t time.Time) bool {
	if g.Status != StatusActive {
		return false
	}
	if g.ValidFrom != nil && t.Before(*g.ValidFrom) {
		return false
	}
	if g.ValidUntil != nil && t.After(*g.ValidUntil) {
		return false
	}
	return true
}

// ResetsMembership reports whether replacing prev with next invalidates the
// membership recorded against prev: the zone stops being active, moves to
// another owner or changes its boundary. Resuming from a reset starts a fresh
// episode instead of closing one nobody is inside any more.
func ResetsMembership(prev, next *Geofence) bool {
	if prev == nil {
		return false
	}
	if prev.Status == StatusActive && next.Status != StatusActive {
		return true
	}
	return prev.OwnerID != next.OwnerID || !prev.Shape.Equal(next.Shape)
}

// DwellAfter returns the dwell threshold, falling back to DefaultDwellThreshold
// when the zone does not set one.
func (g *Geofence) DwellAfter() time.Duration {
	if g.DwellThreshold <= 0 {
		return DefaultDwellThreshold
	}
	return g.DwellThreshold
}

// RaisesBreach reports whether entering this zone is a breach.
func (g *Geofence) RaisesBreach() bool {
	return g.BreachPolicy == BreachInsteadOfEnter || g.BreachPolicy == BreachAlongsideEnter
}

// EventPriority derives the priority of an event of type t in this zone.
// BREACH is always critical; otherwise the declared priority wins, then the
// zone type decides.
func (g *Geofence) EventPriority(t EventType) Priority {
	if t == EventBreach {
		return PriorityCritical
	}
	if g.Priority != "" {
		return g.Priority
	}
	switch g.Type {
	case ZoneSafe:
		return PriorityMedium
	case ZoneEmergency:
		return PriorityCritical
	default:
		return PriorityHigh
	}
}
