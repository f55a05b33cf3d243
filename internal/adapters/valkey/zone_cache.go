package valkey

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/samirrijal/safewatch/internal/core/domain"
	"github.com/samirrijal/safewatch/internal/core/ports"
	"github.com/samirrijal/safewatch/internal/pkg/metrics"
)

const zoneKeyPrefix = "safewatch:zones:"

// ZoneCache is a read-through cache in front of a ZoneRegistry. Cache
// failures fall through to the registry; they never fail an evaluation.
type ZoneCache struct {
	next  ports.ZoneRegistry
	cache ports.CacheService
	ttl   int
	log   *slog.Logger
}

// NewZoneCache wraps next. ttlSeconds bounds how long an edited zone can go
// unnoticed by the engine.
func NewZoneCache(next ports.ZoneRegistry, cache ports.CacheService, ttlSeconds int, logger *slog.Logger) *ZoneCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZoneCache{next: next, cache: cache, ttl: ttlSeconds, log: logger.With("component", "zone_cache")}
}

// ActiveZones implements ports.ZoneRegistry.
func (z *ZoneCache) ActiveZones(ctx context.Context, userID string) ([]domain.Geofence, error) {
	key := zoneKeyPrefix + userID
	if data, err := z.cache.Get(ctx, key); err == nil {
		var zones []domain.Geofence
		if err := json.Unmarshal(data, &zones); err == nil {
			metrics.CacheHits.WithLabelValues("active_zones").Inc()
			return zones, nil
		}
		z.log.Warn("discarding undecodable zone cache entry", "user_id", userID)
	}
	metrics.CacheMisses.WithLabelValues("active_zones").Inc()

	zones, err := z.next.ActiveZones(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(zones); err == nil {
		if err := z.cache.Set(ctx, key, data, z.ttl); err != nil {
			z.log.Debug("zone cache write failed", "user_id", userID, "error", err)
		}
	}
	return zones, nil
}

// Invalidate drops the cached zones of a user after an edit.
func (z *ZoneCache) Invalidate(ctx context.Context, userID string) error {
	return z.cache.Delete(ctx, zoneKeyPrefix+userID)
}
