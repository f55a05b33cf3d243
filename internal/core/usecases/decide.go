package usecases

import (
	"time"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// observation is the geometry of one sample against one zone.
type observation struct {
	insideEnter    bool // inside the shape, boundary inclusive
	outsideExit    bool // strictly outside the shape grown by the hysteresis buffer
	signedDistance float64
	bearing        float64
}

type decision struct {
	next    domain.MembershipState
	emit    []domain.EventType
	changed bool
}

// decide applies the transition table to the previous state of a pair.
// Containment changes are tracked even when the matching trigger is off, so a
// dwell-only zone still knows when the episode started. EXIT is only emitted
// for an episode that some event announced; a silent entry leaves silently.
func decide(zone *domain.Geofence, prev domain.MembershipState, obs observation, ts time.Time) decision {
	d := decision{next: prev}

	switch {
	case obs.insideEnter && !prev.IsInside:
		d.next.IsInside = true
		d.next.Since = ts
		d.next.DwellEmitted = false
		d.changed = true
		if zone.TriggerOnEnter && zone.BreachPolicy != domain.BreachInsteadOfEnter {
			d.emit = append(d.emit, domain.EventEnter)
		}
		if zone.RaisesBreach() {
			d.emit = append(d.emit, domain.EventBreach)
		}
	case obs.outsideExit && prev.IsInside:
		d.next.IsInside = false
		d.next.Since = ts
		d.next.DwellEmitted = false
		d.changed = true
		if zone.TriggerOnExit && announced(prev.LastEventType) {
			d.emit = append(d.emit, domain.EventExit)
		}
	}

	if obs.insideEnter && d.next.IsInside && zone.TriggerOnDwell && !d.next.DwellEmitted &&
		ts.Sub(d.next.Since) >= zone.DwellAfter() {
		d.next.DwellEmitted = true
		d.changed = true
		d.emit = append(d.emit, domain.EventDwell)
	}

	if n := len(d.emit); n > 0 {
		d.next.LastEventType = d.emit[n-1]
		d.next.LastEventAt = ts
	}
	return d
}

// announced reports whether last marks an inside episode subscribers heard of.
func announced(last domain.EventType) bool {
	switch last {
	case domain.EventEnter, domain.EventDwell, domain.EventBreach:
		return true
	}
	return false
}
