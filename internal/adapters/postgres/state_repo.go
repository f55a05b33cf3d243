package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// StateRepo implements ports.MembershipStore with pgx. State writes and
// outbox inserts share one transaction.
type StateRepo struct {
	db *DB
}

// NewStateRepo creates a new StateRepo.
func NewStateRepo(db *DB) *StateRepo {
	return &StateRepo{db: db}
}

const stateColumns = `user_id, geofence_id, is_inside, since, last_event_type,
	last_event_at, dwell_emitted, version, updated_at, last_sample_at`

// GetState returns the stored state of a pair, or nil.
func (r *StateRepo) GetState(ctx context.Context, userID, geofenceID string) (*domain.MembershipState, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+stateColumns+`
		FROM membership_states WHERE user_id = $1 AND geofence_id = $2
	`, userID, geofenceID)
	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

// PutState writes state guarded by its version and queues events. Events
// whose dedup key is already queued are left out of the result.
func (r *StateRepo) PutState(ctx context.Context, st *domain.MembershipState, expectedVersion int64, events []domain.GeofenceEvent) ([]domain.GeofenceEvent, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lastEventAt := nullableTime(st.LastEventAt)
	lastSampleAt := nullableTime(st.LastSampleAt)

	var affected int64
	if expectedVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO membership_states (user_id, geofence_id, is_inside, since, last_event_type,
			                               last_event_at, dwell_emitted, version, updated_at, last_sample_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
			ON CONFLICT (user_id, geofence_id) DO NOTHING
		`, st.UserID, st.GeofenceID, st.IsInside, st.Since, string(st.LastEventType),
			lastEventAt, st.DwellEmitted, st.UpdatedAt, lastSampleAt)
		if err != nil {
			return nil, fmt.Errorf("insert state: %w", err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE membership_states
			SET is_inside = $3, since = $4, last_event_type = $5, last_event_at = $6,
			    dwell_emitted = $7, version = version + 1, updated_at = $8, last_sample_at = $10
			WHERE user_id = $1 AND geofence_id = $2 AND version = $9
		`, st.UserID, st.GeofenceID, st.IsInside, st.Since, string(st.LastEventType),
			lastEventAt, st.DwellEmitted, st.UpdatedAt, expectedVersion, lastSampleAt)
		if err != nil {
			return nil, fmt.Errorf("update state: %w", err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return nil, domain.ErrVersionConflict
	}

	queued := make([]domain.GeofenceEvent, 0, len(events))
	if len(events) > 0 {
		batch := &pgx.Batch{}
		for i := range events {
			ev := &events[i]
			payload, err := json.Marshal(ev)
			if err != nil {
				return nil, fmt.Errorf("marshal event: %w", err)
			}
			batch.Queue(`
				INSERT INTO geofence_events (id, dedup_key, geofence_id, user_id, event_type, priority,
				                             payload, status, attempts, next_attempt_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (dedup_key) DO NOTHING
			`, ev.ID, ev.DedupKey, ev.GeofenceID, ev.UserID, string(ev.Type), string(ev.Priority),
				payload, string(ev.Status), ev.Attempts, ev.NextAttemptAt, ev.CreatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range events {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return nil, fmt.Errorf("insert event: %w", err)
			}
			// A zero row count is a dedup key collision.
			if tag.RowsAffected() == 1 {
				queued = append(queued, events[i])
			}
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	st.Version = expectedVersion + 1
	return queued, nil
}

// ListStates returns every stored state of a user.
func (r *StateRepo) ListStates(ctx context.Context, userID string) ([]domain.MembershipState, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+stateColumns+`
		FROM membership_states WHERE user_id = $1 ORDER BY geofence_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MembershipState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// LastSampleAt returns the user's sample cursor, or the zero time.
func (r *StateRepo) LastSampleAt(ctx context.Context, userID string) (time.Time, error) {
	var ts time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT last_sample_at FROM sample_cursors WHERE user_id = $1`, userID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return ts, err
}

// AdvanceCursor moves the cursor forward only.
func (r *StateRepo) AdvanceCursor(ctx context.Context, userID string, ts time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sample_cursors (user_id, last_sample_at) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET last_sample_at = GREATEST(sample_cursors.last_sample_at, EXCLUDED.last_sample_at)
	`, userID, ts)
	return err
}

// DeleteGeofence removes every membership row of a zone.
func (r *StateRepo) DeleteGeofence(ctx context.Context, geofenceID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM membership_states WHERE geofence_id = $1`, geofenceID)
	return err
}

func scanState(row pgx.Row) (*domain.MembershipState, error) {
	var (
		st           domain.MembershipState
		lastType     string
		lastEventAt  *time.Time
		lastSampleAt *time.Time
	)
	if err := row.Scan(
		&st.UserID, &st.GeofenceID, &st.IsInside, &st.Since, &lastType,
		&lastEventAt, &st.DwellEmitted, &st.Version, &st.UpdatedAt, &lastSampleAt,
	); err != nil {
		return nil, err
	}
	st.LastEventType = domain.EventType(lastType)
	if lastEventAt != nil {
		st.LastEventAt = *lastEventAt
	}
	if lastSampleAt != nil {
		st.LastSampleAt = *lastSampleAt
	}
	return &st, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
