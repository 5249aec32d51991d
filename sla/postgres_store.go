package sla

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agencyhq/automation/rules"
)

// PostgresStore implements Store backed by PostgreSQL. The conditional
// UPDATE in MarkFired is the exactly-once guard across restarts and
// concurrent sweeps.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed timer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, t *Timer) error {
	action, err := json.Marshal(t.OnExpire)
	if err != nil {
		return fmt.Errorf("failed to marshal expire action: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sla_timers (id, tenant_id, entity_ref, rule_id, deadline, on_expire, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.TenantID, t.EntityRef, t.RuleID, t.Deadline, action, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert timer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Timer, error) {
	row := s.db.QueryRowContext(ctx, selectTimer+` WHERE id = $1`, id)
	t, err := scanTimer(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get timer: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) Due(ctx context.Context, now time.Time) ([]*Timer, error) {
	rows, err := s.db.QueryContext(ctx, selectTimer+`
		WHERE status = 'ARMED' AND deadline <= $1
		ORDER BY deadline ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due timers: %w", err)
	}
	defer rows.Close()

	var out []*Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timers: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkFired(ctx context.Context, id, firedEventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sla_timers
		SET status = 'FIRED', fired_event_id = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'ARMED'
	`, firedEventID, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark timer fired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) CancelFor(ctx context.Context, tenantID, entityRef string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sla_timers
		SET status = 'CANCELLED', updated_at = NOW()
		WHERE tenant_id = $1 AND entity_ref = $2 AND status = 'ARMED'
	`, tenantID, entityRef)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel timers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

const selectTimer = `
	SELECT id, tenant_id, entity_ref, rule_id, deadline, on_expire, status,
	       COALESCE(fired_event_id, ''), created_at, updated_at
	FROM sla_timers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimer(row rowScanner) (*Timer, error) {
	var t Timer
	var action []byte
	var status string
	if err := row.Scan(&t.ID, &t.TenantID, &t.EntityRef, &t.RuleID, &t.Deadline,
		&action, &status, &t.FiredEventID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	var a rules.Action
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal expire action: %w", err)
	}
	t.OnExpire = a
	return &t, nil
}
