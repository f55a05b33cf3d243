package domain

import "errors"

var (
	// ErrInvalidCoordinate rejects a sample outside the WGS 84 range.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidSample     = errors.New("invalid location sample")

	// ErrMalformedZone marks a zone whose shape cannot be evaluated.
	ErrMalformedZone = errors.New("malformed zone")

	// ErrStaleSample marks a sample older than the one behind the stored state.
	ErrStaleSample = errors.New("sample older than stored state")

	ErrStateUnavailable = errors.New("membership state unavailable")
	ErrVersionConflict  = errors.New("membership state version conflict")

	// ErrPublishFailure is a transient publish failure; the event is retried.
	ErrPublishFailure = errors.New("event publish failed")
	// ErrPermanentPublish is a rejection that retrying cannot fix.
	ErrPermanentPublish = errors.New("event permanently rejected")

	ErrRegistryUnavailable = errors.New("zone registry unavailable")
	// ErrStoreOutage is returned when every zone of a sample failed on state access.
	ErrStoreOutage = errors.New("membership store outage")

	ErrNotFound = errors.New("not found")
)
