package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// pendingKey orders due events by next attempt time.
func pendingKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", pendingPrefix, at.UnixNano(), id))
}

func failedKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", failedPrefix, at.UnixNano(), id))
}

// historyKey orders a user's events by creation time.
func historyKey(userID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", historyPrefix, userID, at.UnixNano(), id))
}

func putEvent(txn *badger.Txn, ev *domain.GeofenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := txn.Set([]byte(eventPrefix+ev.ID), data); err != nil {
		return fmt.Errorf("set event: %w", err)
	}
	return nil
}

func readEvent(txn *badger.Txn, id string) (*domain.GeofenceEvent, error) {
	item, err := txn.Get([]byte(eventPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	var ev domain.GeofenceEvent
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ev)
	}); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// GetEvent returns one outbox event.
func (s *Store) GetEvent(_ context.Context, id string) (*domain.GeofenceEvent, error) {
	var ev *domain.GeofenceEvent
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ev, err = readEvent(txn, id)
		return err
	})
	return ev, err
}

// ListDue returns pending events whose next attempt is at or before now,
// oldest first.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.GeofenceEvent, error) {
	var out []domain.GeofenceEvent
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(pendingPrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		cutoff := now.UnixNano()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			at, id, err := parseIndexKey(string(it.Item().Key()), pendingPrefix)
			if err != nil {
				return err
			}
			if at > cutoff {
				break
			}
			ev, err := readEvent(txn, id)
			if err != nil {
				return err
			}
			out = append(out, *ev)
		}
		return nil
	})
	return out, err
}

func parseIndexKey(key, prefix string) (int64, string, error) {
	rest := strings.TrimPrefix(key, prefix)
	ts, id, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", fmt.Errorf("malformed index key %q", key)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed index key %q: %w", key, err)
	}
	return n, id, nil
}

// update loads an event, lets fn mutate it and rewrites the record. The event
// is removed from its current status index; fn adds it to the new one.
func (s *Store) update(id string, fn func(ev *domain.GeofenceEvent, txn *badger.Txn) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ev, err := readEvent(txn, id)
		if err != nil {
			return err
		}
		switch ev.Status {
		case domain.DeliveryPending:
			if err := txn.Delete(pendingKey(ev.NextAttemptAt, ev.ID)); err != nil {
				return fmt.Errorf("delete pending index: %w", err)
			}
		case domain.DeliveryFailed:
			if err := txn.Delete(failedKey(ev.CreatedAt, ev.ID)); err != nil {
				return fmt.Errorf("delete failed index: %w", err)
			}
		}
		if err := fn(ev, txn); err != nil {
			return err
		}
		return putEvent(txn, ev)
	})
}

// MarkDelivered records a successful publish.
func (s *Store) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(ev *domain.GeofenceEvent, _ *badger.Txn) error {
		ev.Status = domain.DeliveryDelivered
		ev.DeliveredAt = &at
		ev.LastError = ""
		return nil
	})
}

// MarkRetry reschedules a pending event.
func (s *Store) MarkRetry(_ context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.update(id, func(ev *domain.GeofenceEvent, txn *badger.Txn) error {
		ev.Status = domain.DeliveryPending
		ev.Attempts = attempts
		ev.NextAttemptAt = next
		ev.LastError = lastErr
		return txn.Set(pendingKey(next, ev.ID), nil)
	})
}

// MarkFailed moves an event out of the pending set for good.
func (s *Store) MarkFailed(_ context.Context, id string, attempts int, lastErr string) error {
	return s.update(id, func(ev *domain.GeofenceEvent, txn *badger.Txn) error {
		ev.Status = domain.DeliveryFailed
		ev.Attempts = attempts
		ev.LastError = lastErr
		return txn.Set(failedKey(ev.CreatedAt, ev.ID), nil)
	})
}

// ListFailed pages through permanently failed events, oldest first.
func (s *Store) ListFailed(_ context.Context, limit, offset int) ([]domain.GeofenceEvent, error) {
	var out []domain.GeofenceEvent
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(failedPrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			_, id, err := parseIndexKey(string(it.Item().Key()), failedPrefix)
			if err != nil {
				return err
			}
			ev, err := readEvent(txn, id)
			if err != nil {
				return err
			}
			out = append(out, *ev)
		}
		return nil
	})
	return out, err
}

// ListEvents pages through a user's events, newest first.
func (s *Store) ListEvents(_ context.Context, f domain.EventFilter, limit, offset int) ([]domain.GeofenceEvent, error) {
	var out []domain.GeofenceEvent
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := historyPrefix + f.UserID + ":"
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Seek([]byte(prefix + "\xff")); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			_, id, err := parseIndexKey(string(it.Item().Key()), prefix)
			if err != nil {
				// Another user whose id extends this one past a colon.
				continue
			}
			ev, err := readEvent(txn, id)
			if err != nil {
				return err
			}
			if !f.Matches(ev) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, *ev)
		}
		return nil
	})
	return out, err
}

// CountPending counts events still waiting for delivery.
func (s *Store) CountPending(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(pendingPrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
