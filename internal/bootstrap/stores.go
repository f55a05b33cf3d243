// Package bootstrap wires the storage stack shared by the safewatch commands.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	badgerstore "github.com/samirrijal/safewatch/internal/adapters/badger"
	"github.com/samirrijal/safewatch/internal/adapters/postgres"
	"github.com/samirrijal/safewatch/internal/adapters/valkey"
	"github.com/samirrijal/safewatch/internal/core/ports"
	"github.com/samirrijal/safewatch/internal/core/usecases"
	"github.com/samirrijal/safewatch/internal/pkg/config"
)

// Pinger is a readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stores is the opened storage stack of a process.
type Stores struct {
	// Zones is the authoritative zone repository.
	Zones ports.ZoneRepository
	// Registry is what the engine reads zones through; it may be cached.
	Registry ports.ZoneRegistry
	State    ports.StateBackend
	Cache    *valkey.Cache
	// Locker is nil unless the cross-process lock is enabled.
	Locker ports.UserLocker
	Probes map[string]Pinger

	zoneCache *valkey.ZoneCache
	closers   []func()
}

// OpenStores opens the state backend selected by cfg plus the optional valkey
// cache and lock. Valkey being down is not fatal unless the lock needs it.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	s := &Stores{Probes: map[string]Pinger{}}

	switch cfg.State.Backend {
	case "badger":
		store, err := badgerstore.Open(cfg.State.BadgerPath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = store.Close() })
		s.Zones = store
		s.State = store
		s.Probes["state"] = store
		logger.Info("state backend ready", "backend", "badger", "path", cfg.State.BadgerPath)
	default:
		db, err := postgres.New(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		s.Zones = postgres.NewZoneRepo(db)
		s.State = postgres.NewBackend(db)
		s.Probes["database"] = db
		logger.Info("state backend ready", "backend", "postgres")
	}
	s.Registry = s.Zones

	if cfg.Lock.Enabled || cfg.Valkey.ZoneCacheTTL > 0 {
		cache, err := valkey.New(cfg.Valkey.Addr)
		switch {
		case err != nil && cfg.Lock.Enabled:
			s.Close()
			return nil, fmt.Errorf("valkey: %w", err)
		case err != nil:
			logger.Warn("valkey unavailable, zone cache disabled", "error", err)
		default:
			s.Cache = cache
			s.closers = append(s.closers, cache.Close)
			s.Probes["cache"] = cache
		}
	}

	if s.Cache != nil && cfg.Valkey.ZoneCacheTTL > 0 {
		s.zoneCache = valkey.NewZoneCache(s.Zones, s.Cache, cfg.Valkey.ZoneCacheTTL, logger)
		s.Registry = s.zoneCache
	}
	if s.Cache != nil && cfg.Lock.Enabled {
		s.Locker = valkey.NewLocker(s.Cache.Client(), cfg.Lock.TTL, cfg.Lock.Wait, logger)
	}
	return s, nil
}

// InvalidateZones drops the cached zones of a user. It is a no-op without a
// zone cache.
func (s *Stores) InvalidateZones(ctx context.Context, userID string) error {
	if s.zoneCache == nil {
		return nil
	}
	return s.zoneCache.Invalidate(ctx, userID)
}

// Close releases everything in reverse order of opening.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// EngineConfig converts the engine section of cfg.
func EngineConfig(cfg *config.Config) usecases.EngineConfig {
	return usecases.EngineConfig{
		HysteresisMeters:    cfg.Engine.HysteresisMeters,
		PolygonBufferMeters: cfg.Engine.PolygonBufferMeters,
		ConflictRetries:     cfg.Engine.ConflictRetries,
		MaxAccuracyMeters:   cfg.Engine.MaxAccuracyMeters,
		DeliveryGrace:       cfg.Engine.DeliveryGrace,
	}
}

// DeliveryConfig converts the delivery section of cfg.
func DeliveryConfig(cfg *config.Config) usecases.DeliveryConfig {
	return usecases.DeliveryConfig{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		InitialBackoff: cfg.Delivery.InitialBackoff,
		MaxBackoff:     cfg.Delivery.MaxBackoff,
		RetryInterval:  cfg.Delivery.RetryInterval,
		BatchSize:      cfg.Delivery.BatchSize,
		PublishTimeout: cfg.Delivery.PublishTimeout,
	}
}
