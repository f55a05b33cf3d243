package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"

	badgerstore "github.com/samirrijal/safewatch/internal/adapters/badger"
	"github.com/samirrijal/safewatch/internal/core/domain"
)

const manifestJSON = `{
  "source": "test",
  "zones": [
    {"id": "home", "owner_id": "alice", "name": "Home", "type": "home_zone",
     "shape": {"kind": "circle", "center": {"lat": 40.0, "lon": -75.0}, "radius_meters": 150},
     "trigger_on_enter": true, "trigger_on_dwell": true, "dwell_seconds": 600},
    {"id": "broken", "owner_id": "alice",
     "shape": {"kind": "polygon", "vertices": [{"lat": 0, "lon": 0}, {"lat": 1, "lon": 1}]}},
    {"id": "orphan",
     "shape": {"kind": "circle", "center": {"lat": 1, "lon": 1}, "radius_meters": 10}}
  ]
}`

func TestGroupByOwner(t *testing.T) {
	var m Manifest
	if err := json.Unmarshal([]byte(manifestJSON), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byOwner, errs := groupByOwner(m.Zones)
	if len(errs) != 2 {
		t.Fatalf("expected 2 rejected entries, got %v", errs)
	}
	for _, err := range errs {
		if !errors.Is(err, domain.ErrMalformedZone) {
			t.Errorf("expected ErrMalformedZone, got %v", err)
		}
	}

	zones := byOwner["alice"]
	if len(zones) != 1 {
		t.Fatalf("expected 1 zone for alice, got %d", len(zones))
	}
	z := zones[0]
	if z.DwellThreshold != 10*time.Minute {
		t.Errorf("expected 10m dwell, got %v", z.DwellThreshold)
	}
	if z.Status != domain.StatusActive {
		t.Errorf("expected default status active, got %q", z.Status)
	}
}

func TestImportOwner_EnforcesActiveLimit(t *testing.T) {
	store, err := badgerstore.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	circle := domain.Shape{Kind: domain.ShapeCircle, Center: domain.GeoPoint{Lat: 40, Lon: -75}, RadiusMeters: 100}
	var zones []domain.Geofence
	for i := 0; i < domain.MaxActiveZonesPerUser+2; i++ {
		zones = append(zones, domain.Geofence{
			ID:      fmt.Sprintf("z-%02d", i),
			OwnerID: "alice",
			Status:  domain.StatusActive,
			Shape:   circle,
		})
	}
	zones = append(zones, domain.Geofence{ID: "paused", OwnerID: "alice", Status: domain.StatusPaused, Shape: circle})

	n, errs := importOwner(ctx, store, zones)
	if n != domain.MaxActiveZonesPerUser+1 {
		t.Errorf("expected %d imported, got %d", domain.MaxActiveZonesPerUser+1, n)
	}
	if len(errs) != 2 {
		t.Errorf("expected 2 rejected, got %v", errs)
	}

	// Re-importing an already active zone does not count against the limit.
	n, errs = importOwner(ctx, store, zones[:1])
	if n != 1 || len(errs) != 0 {
		t.Errorf("expected re-import to succeed, got n=%d errs=%v", n, errs)
	}
}
