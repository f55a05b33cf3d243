package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/samirrijal/safewatch/internal/bootstrap"
	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/ports"
	"github.com/samirrijal/safewatch/internal/pkg/config"
	"github.com/samirrijal/safewatch/internal/pkg/geospatial"
	"github.com/samirrijal/safewatch/internal/pkg/logging"
)

// ---------------------------------------------------------------------------
// Manifest types
// ---------------------------------------------------------------------------

type Manifest struct {
	Source string      `json:"source"`
	Zones  []ZoneEntry `json:"zones"`
}

// ZoneEntry is a geofence as written by hand: the dwell threshold is in
// seconds rather than a Go duration.
type ZoneEntry struct {
	domain.Geofence
	DwellSeconds int `json:"dwell_seconds"`
}

func (e ZoneEntry) toGeofence() (domain.Geofence, error) {
	z := e.Geofence
	if z.ID == "" {
		return z, fmt.Errorf("%w: zone without id", domain.ErrMalformedZone)
	}
	if z.OwnerID == "" {
		return z, fmt.Errorf("%w: zone %s without owner_id", domain.ErrMalformedZone, z.ID)
	}
	if z.Status == "" {
		z.Status = domain.StatusActive
	}
	if e.DwellSeconds > 0 {
		z.DwellThreshold = time.Duration(e.DwellSeconds) * time.Second
	}
	if err := geospatial.ValidateShape(z.Shape); err != nil {
		return z, fmt.Errorf("zone %s: %w", z.ID, err)
	}
	return z, nil
}

// groupByOwner validates every entry and groups the valid zones by owner.
// Invalid entries are returned as errors and skipped.
func groupByOwner(entries []ZoneEntry) (map[string][]domain.Geofence, []error) {
	byOwner := make(map[string][]domain.Geofence)
	var errs []error
	for _, e := range entries {
		z, err := e.toGeofence()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		byOwner[z.OwnerID] = append(byOwner[z.OwnerID], z)
	}
	return byOwner, errs
}

// importOwner upserts one owner's zones in order. A zone that would push the
// owner past the active limit is skipped.
func importOwner(ctx context.Context, zones ports.ZoneRepository, ownerZones []domain.Geofence) (int, []error) {
	var errs []error
	imported := 0
	for i := range ownerZones {
		z := &ownerZones[i]
		if z.Status == domain.StatusActive {
			existing, err := zones.GetByID(ctx, z.ID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				errs = append(errs, fmt.Errorf("zone %s: %w", z.ID, err))
				continue
			}
			counted := existing != nil && existing.Status == domain.StatusActive && existing.OwnerID == z.OwnerID
			if !counted {
				n, err := zones.CountActive(ctx, z.OwnerID)
				if err != nil {
					errs = append(errs, fmt.Errorf("zone %s: %w", z.ID, err))
					continue
				}
				if n >= domain.MaxActiveZonesPerUser {
					errs = append(errs, fmt.Errorf("zone %s: owner %s already has %d active zones", z.ID, z.OwnerID, n))
					continue
				}
			}
		}
		if err := zones.Upsert(ctx, z); err != nil {
			errs = append(errs, fmt.Errorf("zone %s: %w", z.ID, err))
			continue
		}
		imported++
	}
	return imported, errs
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	cfg, err := config.Load("safewatch-importer")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Telemetry.ServiceName)

	ctx := context.Background()

	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer stores.Close()

	manifestPath := "zones.json"
	if len(os.Args) > 1 {
		manifestPath = os.Args[1]
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		log.Fatalf("read manifest: %v", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		log.Fatalf("parse manifest: %v", err)
	}

	log.Printf("SafeWatch zone importer: %d zones from %s", len(manifest.Zones), manifest.Source)

	byOwner, errs := groupByOwner(manifest.Zones)

	// Optional owner filter: importer zones.json alice,bob
	if len(os.Args) > 2 {
		keep := map[string]bool{}
		for _, o := range strings.Split(os.Args[2], ",") {
			keep[strings.TrimSpace(o)] = true
		}
		for owner := range byOwner {
			if !keep[owner] {
				delete(byOwner, owner)
			}
		}
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		imported int
	)
	sem := make(chan struct{}, 4)

	// Owners run concurrently; one owner's zones stay sequential so the
	// active limit check sees its own writes.
	for _, owner := range owners {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			n, ownerErrs := importOwner(ctx, stores.Zones, byOwner[owner])
			if err := stores.InvalidateZones(ctx, owner); err != nil {
				logger.Warn("invalidate zone cache", "user_id", owner, "error", err)
			}

			mu.Lock()
			imported += n
			errs = append(errs, ownerErrs...)
			mu.Unlock()
		}(owner)
	}
	wg.Wait()

	for _, err := range errs {
		log.Printf("ERROR %v", err)
	}
	log.Printf("import complete: %d imported, %d rejected", imported, len(errs))
	if len(errs) > 0 {
		os.Exit(1)
	}
}
