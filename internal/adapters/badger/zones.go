package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// Upsert stores a zone and indexes it by owner.
func (s *Store) Upsert(_ context.Context, zone *domain.Geofence) error {
	if zone.CreatedAt.IsZero() {
		zone.CreatedAt = time.Now().UTC()
	}
	zone.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(zone)
	if err != nil {
		return fmt.Errorf("marshal zone: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(zonePrefix+zone.ID), data); err != nil {
			return fmt.Errorf("set zone: %w", err)
		}
		return txn.Set([]byte(ownerPrefix+zone.OwnerID+":"+zone.ID), nil)
	})
}

// GetByID returns one zone.
func (s *Store) GetByID(_ context.Context, id string) (*domain.Geofence, error) {
	var zone *domain.Geofence
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		zone, err = readZone(txn, id)
		return err
	})
	return zone, err
}

func readZone(txn *badger.Txn, id string) (*domain.Geofence, error) {
	item, err := txn.Get([]byte(zonePrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("zone %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get zone: %w", err)
	}
	var zone domain.Geofence
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &zone)
	}); err != nil {
		return nil, fmt.Errorf("decode zone: %w", err)
	}
	return &zone, nil
}

// ActiveZones returns the owner's zones with status active.
func (s *Store) ActiveZones(_ context.Context, userID string) ([]domain.Geofence, error) {
	var out []domain.Geofence
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(ownerPrefix + userID + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			zone, err := readZone(txn, id)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if zone.Status == domain.StatusActive {
				out = append(out, *zone)
			}
		}
		return nil
	})
	return out, err
}

// CountActive counts the owner's active zones.
func (s *Store) CountActive(ctx context.Context, ownerID string) (int, error) {
	zones, err := s.ActiveZones(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return len(zones), nil
}

// Delete removes a zone and cascades to its membership rows.
func (s *Store) Delete(ctx context.Context, id string) error {
	zone, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(zonePrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(ownerPrefix + zone.OwnerID + ":" + id))
	}); err != nil {
		return fmt.Errorf("delete zone: %w", err)
	}
	return s.DeleteGeofence(ctx, id)
}
