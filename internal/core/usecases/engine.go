package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/ports"
	"github.com/samirrijal/safewatch/internal/pkg/geospatial"
	"github.com/samirrijal/safewatch/internal/pkg/metrics"
	"github.com/samirrijal/safewatch/internal/pkg/telemetry"
)

// Diagnostic kinds reported in EvaluationResult.Skipped.
const (
	KindMalformedZone    = "malformed_zone"
	KindStateUnavailable = "state_unavailable"
	KindVersionConflict  = "version_conflict"
	KindStaleSample      = "stale_sample"
)

// EngineConfig tunes the transition engine.
type EngineConfig struct {
	// HysteresisMeters widens circles for the exit test.
	HysteresisMeters float64
	// PolygonBufferMeters widens polygons and rectangles for the exit test.
	PolygonBufferMeters float64
	// ConflictRetries is how many times a zone is re-read and re-decided after
	// losing an optimistic write.
	ConflictRetries int
	// MaxAccuracyMeters discards samples reporting a worse accuracy. 0 disables.
	MaxAccuracyMeters float64
	// DeliveryGrace delays the outbox retry of a fresh event so the inline
	// delivery attempt goes first.
	DeliveryGrace time.Duration
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		HysteresisMeters:    50,
		PolygonBufferMeters: 25,
		ConflictRetries:     3,
		DeliveryGrace:       5 * time.Second,
	}
}

// Engine turns location samples into geofence events.
type Engine struct {
	zones   ports.ZoneRegistry
	store   ports.MembershipStore
	emitter *Emitter
	locker  ports.UserLocker
	cfg     EngineConfig
	log     *slog.Logger
	tracer  trace.Tracer
	locks   *userLocks
	now     func() time.Time
}

// NewEngine creates a new Engine. emitter and locker may be nil: without an
// emitter events stay in the outbox for the retry loop, without a locker only
// in-process serialisation applies.
func NewEngine(
	zones ports.ZoneRegistry,
	store ports.MembershipStore,
	emitter *Emitter,
	locker ports.UserLocker,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		zones:   zones,
		store:   store,
		emitter: emitter,
		locker:  locker,
		cfg:     cfg,
		log:     logger.With("component", "engine"),
		tracer:  telemetry.Tracer(),
		locks:   newUserLocks(),
		now:     time.Now,
	}
}

// Evaluate processes one location sample for a user against all of the user's
// active zones. Per-zone failures are reported in the result; only a registry
// failure or a failure of every zone's state access is returned as an error.
func (e *Engine) Evaluate(ctx context.Context, userID string, sample *domain.LocationSample) (*domain.EvaluationResult, error) {
	ctx, span := e.tracer.Start(ctx, telemetry.SpanEvaluate, trace.WithAttributes(
		attribute.String(telemetry.AttrUserID, userID),
	))
	defer span.End()

	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	if err := checkSample(userID, sample); err != nil {
		metrics.SamplesEvaluated.WithLabelValues("invalid").Inc()
		return nil, err
	}

	res, err := e.evaluateLocked(ctx, userID, sample)
	if err != nil {
		metrics.SamplesEvaluated.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	switch {
	case res.Stale:
		metrics.SamplesEvaluated.WithLabelValues("stale").Inc()
	case res.Imprecise:
		metrics.SamplesEvaluated.WithLabelValues("imprecise").Inc()
	default:
		metrics.SamplesEvaluated.WithLabelValues("processed").Inc()
	}
	for _, ev := range res.Events {
		metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	}
	span.SetAttributes(
		attribute.Int(telemetry.AttrZoneCount, res.ZonesEvaluated),
		attribute.Int(telemetry.AttrEventCount, len(res.Events)),
	)

	// Publishing happens outside the user lock; the events are already durable.
	if e.emitter != nil && len(res.Events) > 0 {
		e.emitter.Deliver(ctx, res.Events)
	}
	return res, nil
}

func (e *Engine) evaluateLocked(ctx context.Context, userID string, sample *domain.LocationSample) (*domain.EvaluationResult, error) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	if e.locker != nil {
		release, err := e.locker.Lock(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("acquire user lock: %w", err)
		}
		defer release()
	}

	res := &domain.EvaluationResult{UserID: userID, Events: []domain.GeofenceEvent{}}

	cursor, err := e.store.LastSampleAt(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: read sample cursor: %w", domain.ErrStoreOutage, err)
	}
	if sample.Timestamp.Before(cursor) {
		e.log.Debug("stale sample discarded",
			"user_id", userID, "sample_at", sample.Timestamp, "cursor", cursor)
		res.Stale = true
		return res, nil
	}

	if e.cfg.MaxAccuracyMeters > 0 && sample.Accuracy != nil && *sample.Accuracy > e.cfg.MaxAccuracyMeters {
		e.log.Debug("imprecise sample discarded",
			"user_id", userID, "accuracy", *sample.Accuracy)
		res.Imprecise = true
		return res, nil
	}

	zones, err := e.zones.ActiveZones(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRegistryUnavailable, err)
	}

	stateFailures, staleZones := 0, 0
	for i := range zones {
		zone := &zones[i]
		if !zone.ActiveAt(sample.Timestamp) {
			continue
		}
		res.ZonesEvaluated++

		events, err := e.evaluateZone(ctx, userID, zone, sample)
		if err != nil {
			diag := diagnose(zone.ID, err)
			switch diag.Kind {
			case KindStateUnavailable:
				stateFailures++
			case KindStaleSample:
				staleZones++
				res.Skipped = append(res.Skipped, diag)
				e.log.Debug("zone state is newer than sample",
					"user_id", userID, "geofence_id", zone.ID, "sample_at", sample.Timestamp)
				continue
			}
			res.Skipped = append(res.Skipped, diag)
			metrics.ZoneErrors.WithLabelValues(diag.Kind).Inc()
			e.log.Warn("zone skipped",
				"user_id", userID, "geofence_id", zone.ID, "kind", diag.Kind, "error", err)
			continue
		}
		res.Events = append(res.Events, events...)
	}

	if res.ZonesEvaluated > 0 && stateFailures == res.ZonesEvaluated {
		return nil, fmt.Errorf("%w: all %d zones failed state access", domain.ErrStoreOutage, stateFailures)
	}
	if res.ZonesEvaluated > 0 && staleZones == res.ZonesEvaluated {
		res.Stale = true
	}

	if err := e.store.AdvanceCursor(ctx, userID, sample.Timestamp); err != nil {
		e.log.Warn("advance sample cursor", "user_id", userID, "error", err)
	}
	return res, nil
}

// evaluateZone decides and commits one zone. A lost optimistic write is
// retried against the winner's state. A stored state produced by a newer sample
// wins over this one, which covers writers that passed the cursor check
// concurrently in different processes.
func (e *Engine) evaluateZone(ctx context.Context, userID string, zone *domain.Geofence, sample *domain.LocationSample) ([]domain.GeofenceEvent, error) {
	obs, err := e.observe(zone, sample.Location)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		prev, err := e.store.GetState(ctx, userID, zone.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStateUnavailable, err)
		}
		var expected int64
		if prev == nil {
			prev = domain.NewMembershipState(userID, zone.ID, sample.Timestamp)
		} else {
			if sample.Timestamp.Before(prev.LastSampleAt) {
				return nil, domain.ErrStaleSample
			}
			expected = prev.Version
		}

		d := decide(zone, *prev, obs, sample.Timestamp)
		if !d.changed {
			return nil, nil
		}

		next := d.next
		next.LastSampleAt = sample.Timestamp
		next.UpdatedAt = e.now()
		events := e.buildEvents(zone, &next, d.emit, sample, obs)

		queued, err := e.store.PutState(ctx, &next, expected, events)
		if err == nil {
			if len(queued) < len(events) {
				e.log.Debug("duplicate events dropped by outbox",
					"user_id", userID, "geofence_id", zone.ID, "built", len(events), "queued", len(queued))
			}
			return queued, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %w", domain.ErrStateUnavailable, err)
		}
		metrics.StateConflicts.Inc()
		if attempt >= e.cfg.ConflictRetries {
			return nil, err
		}
		e.log.Debug("membership write conflict, retrying",
			"user_id", userID, "geofence_id", zone.ID, "attempt", attempt+1)
	}
}

func (e *Engine) observe(zone *domain.Geofence, p domain.GeoPoint) (observation, error) {
	inside, err := geospatial.Contains(zone.Shape, p)
	if err != nil {
		return observation{}, err
	}
	buffer := e.cfg.HysteresisMeters
	if zone.Shape.Kind != domain.ShapeCircle {
		buffer = e.cfg.PolygonBufferMeters
	}
	within, err := geospatial.WithinExitRegion(zone.Shape, p, buffer)
	if err != nil {
		return observation{}, err
	}
	dist, err := geospatial.SignedDistance(zone.Shape, p)
	if err != nil {
		return observation{}, err
	}
	return observation{
		insideEnter:    inside,
		outsideExit:    !within,
		signedDistance: dist,
		bearing:        geospatial.Bearing(geospatial.Centroid(zone.Shape), p),
	}, nil
}

func (e *Engine) buildEvents(zone *domain.Geofence, state *domain.MembershipState, types []domain.EventType, sample *domain.LocationSample, obs observation) []domain.GeofenceEvent {
	if len(types) == 0 {
		return nil
	}
	now := e.now()
	out := make([]domain.GeofenceEvent, 0, len(types))
	for _, t := range types {
		ev := domain.GeofenceEvent{
			ID:                   uuid.NewString(),
			GeofenceID:           zone.ID,
			GeofenceName:         zone.Name,
			UserID:               state.UserID,
			Type:                 t,
			Location:             sample.Location,
			Accuracy:             sample.Accuracy,
			DistanceFromBoundary: obs.signedDistance,
			BearingFromCenter:    obs.bearing,
			Timestamp:            sample.Timestamp,
			EpisodeStart:         state.Since,
			DedupKey:             domain.DedupKey(zone.ID, state.UserID, t, state.Since),
			Priority:             zone.EventPriority(t),
			ZoneType:             zone.Type,
			DeviceID:             sample.Device.ID,
			Status:               domain.DeliveryPending,
			NextAttemptAt:        now.Add(e.cfg.DeliveryGrace),
			CreatedAt:            now,
		}
		if t == domain.EventDwell {
			ev.DwellMinutes = sample.Timestamp.Sub(state.Since).Minutes()
		}
		out = append(out, ev)
	}
	return out
}

// checkSample validates sample and binds it to userID. A sample naming a
// different user is rejected.
func checkSample(userID string, sample *domain.LocationSample) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrInvalidSample)
	}
	if err := domain.ValidateSample(sample); err != nil {
		return err
	}
	switch sample.UserID {
	case "":
		sample.UserID = userID
	case userID:
	default:
		return fmt.Errorf("%w: sample user %q does not match %q", domain.ErrInvalidSample, sample.UserID, userID)
	}
	return nil
}

func diagnose(geofenceID string, err error) domain.ZoneDiagnostic {
	kind := KindStateUnavailable
	switch {
	case errors.Is(err, domain.ErrMalformedZone):
		kind = KindMalformedZone
	case errors.Is(err, domain.ErrVersionConflict):
		kind = KindVersionConflict
	case errors.Is(err, domain.ErrStaleSample):
		kind = KindStaleSample
	}
	return domain.ZoneDiagnostic{GeofenceID: geofenceID, Kind: kind, Err: err}
}
