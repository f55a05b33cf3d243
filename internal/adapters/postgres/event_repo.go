package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// EventRepo implements ports.DeliveryQueue and ports.EventLog over the
// geofence_events outbox.
type EventRepo struct {
	db *DB
}

// NewEventRepo creates a new EventRepo.
func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

const eventColumns = `payload, status, attempts, next_attempt_at, last_error, delivered_at`

// ListDue returns pending events whose next attempt is due, oldest first.
func (r *EventRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.GeofenceEvent, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM geofence_events
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ListFailed pages through permanently failed events, oldest first.
func (r *EventRepo) ListFailed(ctx context.Context, limit, offset int) ([]domain.GeofenceEvent, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM geofence_events
		WHERE status = 'failed'
		ORDER BY created_at
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// ListEvents pages through a user's events, newest first.
func (r *EventRepo) ListEvents(ctx context.Context, f domain.EventFilter, limit, offset int) ([]domain.GeofenceEvent, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM geofence_events
		WHERE user_id = $1
		  AND ($2 = '' OR geofence_id = $2)
		  AND ($3 = '' OR event_type = $3)
		ORDER BY created_at DESC, id
		LIMIT $4 OFFSET $5
	`, f.UserID, f.GeofenceID, string(f.Type), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// CountPending counts events still waiting for delivery.
func (r *EventRepo) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM geofence_events WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// MarkDelivered records a successful publish.
func (r *EventRepo) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, id, `
		UPDATE geofence_events SET status = 'delivered', delivered_at = $2, last_error = ''
		WHERE id = $1
	`, at)
}

// MarkRetry reschedules a pending event.
func (r *EventRepo) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return r.exec(ctx, id, `
		UPDATE geofence_events SET attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1 AND status = 'pending'
	`, attempts, next, lastErr)
}

// MarkFailed takes an event out of the retry set for good.
func (r *EventRepo) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return r.exec(ctx, id, `
		UPDATE geofence_events SET status = 'failed', attempts = $2, last_error = $3
		WHERE id = $1
	`, attempts, lastErr)
}

func (r *EventRepo) exec(ctx context.Context, id, sql string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func collectEvents(rows pgx.Rows) ([]domain.GeofenceEvent, error) {
	defer rows.Close()

	var out []domain.GeofenceEvent
	for rows.Next() {
		var (
			ev          domain.GeofenceEvent
			payload     []byte
			status      string
			deliveredAt *time.Time
		)
		if err := rows.Scan(&payload, &status, &ev.Attempts, &ev.NextAttemptAt, &ev.LastError, &deliveredAt); err != nil {
			return nil, err
		}
		attempts, next, lastErr := ev.Attempts, ev.NextAttemptAt, ev.LastError
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		// Bookkeeping columns are authoritative over the insert-time payload.
		ev.Status = domain.DeliveryStatus(status)
		ev.Attempts = attempts
		ev.NextAttemptAt = next
		ev.LastError = lastErr
		ev.DeliveredAt = deliveredAt
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Backend serves membership state and the delivery outbox from one database.
type Backend struct {
	*StateRepo
	*EventRepo
}

// NewBackend creates a Backend over db.
func NewBackend(db *DB) *Backend {
	return &Backend{StateRepo: NewStateRepo(db), EventRepo: NewEventRepo(db)}
}
