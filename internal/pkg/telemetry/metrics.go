package telemetry

// Span and attribute names used for instrumentation.
const (
	SpanEvaluate     = "engine.evaluate"
	SpanEvaluateZone = "engine.evaluate_zone"
	SpanDeliver      = "emitter.deliver"
	SpanRetrySweep   = "delivery.retry_sweep"

	AttrUserID     = "safewatch.user_id"
	AttrGeofenceID = "safewatch.geofence_id"
	AttrEventType  = "safewatch.event_type"
	AttrZoneCount  = "safewatch.zone_count"
	AttrEventCount = "safewatch.event_count"
)
