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

// ZoneRepo implements ports.ZoneRepository with pgx.
type ZoneRepo struct {
	db *DB
}

// NewZoneRepo creates a new ZoneRepo.
func NewZoneRepo(db *DB) *ZoneRepo {
	return &ZoneRepo{db: db}
}

const zoneColumns = `id, owner_id, name, description, zone_type, status, shape,
	valid_from, valid_until, trigger_on_enter, trigger_on_exit, trigger_on_dwell,
	dwell_threshold_seconds, breach_policy, priority, created_at, updated_at`

// Upsert inserts or replaces a geofence.
func (r *ZoneRepo) Upsert(ctx context.Context, z *domain.Geofence) error {
	shape, err := json.Marshal(z.Shape)
	if err != nil {
		return fmt.Errorf("marshal shape: %w", err)
	}
	policy := z.BreachPolicy
	if policy == "" {
		policy = domain.BreachNone
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO geofences (id, owner_id, name, description, zone_type, status, shape,
		                       valid_from, valid_until, trigger_on_enter, trigger_on_exit, trigger_on_dwell,
		                       dwell_threshold_seconds, breach_policy, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, name = EXCLUDED.name, description = EXCLUDED.description,
		    zone_type = EXCLUDED.zone_type, status = EXCLUDED.status, shape = EXCLUDED.shape,
		    valid_from = EXCLUDED.valid_from, valid_until = EXCLUDED.valid_until,
		    trigger_on_enter = EXCLUDED.trigger_on_enter, trigger_on_exit = EXCLUDED.trigger_on_exit,
		    trigger_on_dwell = EXCLUDED.trigger_on_dwell,
		    dwell_threshold_seconds = EXCLUDED.dwell_threshold_seconds,
		    breach_policy = EXCLUDED.breach_policy, priority = EXCLUDED.priority,
		    updated_at = now()
	`, z.ID, z.OwnerID, z.Name, z.Description, string(z.Type), string(z.Status), shape,
		z.ValidFrom, z.ValidUntil, z.TriggerOnEnter, z.TriggerOnExit, z.TriggerOnDwell,
		int(z.DwellThreshold/time.Second), string(policy), string(z.Priority))
	return err
}

// GetByID returns a geofence by id.
func (r *ZoneRepo) GetByID(ctx context.Context, id string) (*domain.Geofence, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+zoneColumns+` FROM geofences WHERE id = $1`, id)
	z, err := scanZone(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("zone %s: %w", id, domain.ErrNotFound)
	}
	return z, err
}

// ActiveZones returns the user's zones with status active.
func (r *ZoneRepo) ActiveZones(ctx context.Context, userID string) ([]domain.Geofence, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+zoneColumns+`
		FROM geofences
		WHERE owner_id = $1 AND status = 'active'
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []domain.Geofence
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	return zones, rows.Err()
}

// CountActive counts the owner's active zones.
func (r *ZoneRepo) CountActive(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM geofences WHERE owner_id = $1 AND status = 'active'`, ownerID).Scan(&n)
	return n, err
}

// Delete removes a geofence; membership rows cascade.
func (r *ZoneRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM geofences WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("zone %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanZone(row pgx.Row) (*domain.Geofence, error) {
	var (
		z            domain.Geofence
		zoneType     string
		status       string
		shape        []byte
		dwellSeconds int
		policy       string
		priority     string
	)
	if err := row.Scan(
		&z.ID, &z.OwnerID, &z.Name, &z.Description, &zoneType, &status, &shape,
		&z.ValidFrom, &z.ValidUntil, &z.TriggerOnEnter, &z.TriggerOnExit, &z.TriggerOnDwell,
		&dwellSeconds, &policy, &priority, &z.CreatedAt, &z.UpdatedAt,
	); err != nil {
		return nil, err
	}
	// A malformed shape is reported by the engine per zone, not here.
	_ = json.Unmarshal(shape, &z.Shape)
	z.Type = domain.ZoneType(zoneType)
	z.Status = domain.ZoneStatus(status)
	z.DwellThreshold = time.Duration(dwellSeconds) * time.Second
	z.BreachPolicy = domain.BreachPolicy(policy)
	z.Priority = domain.Priority(priority)
	return &z, nil
}
