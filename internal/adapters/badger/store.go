package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// Key prefixes.
const (
	statePrefix   = "state:"
	cursorPrefix  = "cursor:"
	eventPrefix   = "event:"
	pendingPrefix = "pending:"
	failedPrefix  = "failed:"
	zonePrefix    = "zone:"
	ownerPrefix   = "owner_zone:"
	dedupPrefix   = "dedup:"
	historyPrefix = "user_event:"
)

// Store is an embedded membership store, delivery outbox and zone registry
// for single-node deployments.
type Store struct {
	db *badger.DB
}

// Open opens a store at path. An empty path gives an in-memory store.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already open database.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is usable.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: closed")
	}
	return nil
}

func stateKey(userID, geofenceID string) []byte {
	return []byte(statePrefix + userID + ":" + geofenceID)
}

// GetState returns the stored state of a pair, or nil.
func (s *Store) GetState(_ context.Context, userID, geofenceID string) (*domain.MembershipState, error) {
	var st *domain.MembershipState
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		st, err = readState(txn, userID, geofenceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func readState(txn *badger.Txn, userID, geofenceID string) (*domain.MembershipState, error) {
	item, err := txn.Get(stateKey(userID, geofenceID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	var st domain.MembershipState
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &st)
	}); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// PutState compares versions and writes state plus outbox events in one
// transaction. Badger's conflict detection rejects a commit racing another
// writer of the same key. Events whose dedup key is already stored are
// skipped and left out of the result.
func (s *Store) PutState(_ context.Context, state *domain.MembershipState, expectedVersion int64, events []domain.GeofenceEvent) ([]domain.GeofenceEvent, error) {
	next := *state
	next.Version = expectedVersion + 1

	var queued []domain.GeofenceEvent
	err := s.db.Update(func(txn *badger.Txn) error {
		queued = make([]domain.GeofenceEvent, 0, len(events))
		cur, err := readState(txn, state.UserID, state.GeofenceID)
		if err != nil {
			return err
		}
		var curVersion int64
		if cur != nil {
			curVersion = cur.Version
		}
		if curVersion != expectedVersion {
			return domain.ErrVersionConflict
		}

		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal state: %w", err)
		}
		if err := txn.Set(stateKey(state.UserID, state.GeofenceID), data); err != nil {
			return fmt.Errorf("set state: %w", err)
		}

		for i := range events {
			ev := &events[i]
			dup, err := hasKey(txn, []byte(dedupPrefix+ev.DedupKey))
			if err != nil {
				return err
			}
			if dup {
				continue
			}
			if err := putEvent(txn, ev); err != nil {
				return err
			}
			if err := txn.Set([]byte(dedupPrefix+ev.DedupKey), []byte(ev.ID)); err != nil {
				return fmt.Errorf("index dedup key: %w", err)
			}
			if err := txn.Set(historyKey(ev.UserID, ev.CreatedAt, ev.ID), nil); err != nil {
				return fmt.Errorf("index history: %w", err)
			}
			if err := txn.Set(pendingKey(ev.NextAttemptAt, ev.ID), nil); err != nil {
				return fmt.Errorf("index pending: %w", err)
			}
			queued = append(queued, *ev)
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, domain.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	state.Version = next.Version
	return queued, nil
}

func hasKey(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

// ListStates returns every stored state of a user.
func (s *Store) ListStates(_ context.Context, userID string) ([]domain.MembershipState, error) {
	var out []domain.MembershipState
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(statePrefix + userID + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var st domain.MembershipState
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

// DeleteGeofence removes every membership row of a zone.
func (s *Store) DeleteGeofence(_ context.Context, geofenceID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(statePrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		var doomed [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var st domain.MembershipState
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
			if st.GeofenceID == geofenceID {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete state: %w", err)
			}
		}
		return nil
	})
}

// LastSampleAt returns the user's sample cursor, or the zero time.
func (s *Store) LastSampleAt(_ context.Context, userID string) (time.Time, error) {
	var ts time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ts, err = readCursor(txn, userID)
		return err
	})
	return ts, err
}

// AdvanceCursor moves the cursor to ts if ts is newer.
func (s *Store) AdvanceCursor(_ context.Context, userID string, ts time.Time) error {
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			cur, err := readCursor(txn, userID)
			if err != nil {
				return err
			}
			if !ts.After(cur) {
				return nil
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(ts.UnixNano()))
			return txn.Set([]byte(cursorPrefix+userID), buf)
		})
		// Lost to a concurrent advance; re-read and compare again.
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

func readCursor(txn *badger.Txn, userID string) (time.Time, error) {
	item, err := txn.Get([]byte(cursorPrefix + userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor: %w", err)
	}
	var ts time.Time
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("cursor: bad length %d", len(val))
		}
		ts = time.Unix(0, int64(binary.BigEndian.Uint64(val))).UTC()
		return nil
	})
	return ts, err
}
