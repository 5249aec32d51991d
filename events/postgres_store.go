package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store backed by PostgreSQL. The primary key on
// event_id is what makes ingestion idempotent across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Event) (bool, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, tenant_id, type, entity_ref, occurred_at, payload, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, e.EventID, e.TenantID, e.Type, e.EntityRef, e.OccurredAt, payload, e.IngestedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*Event, error) {
	var e Event
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, type, entity_ref, occurred_at, payload, ingested_at
		FROM events WHERE event_id = $1
	`, eventID).Scan(&e.EventID, &e.TenantID, &e.Type, &e.EntityRef, &e.OccurredAt, &payload, &e.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &e, nil
}

func (s *PostgresStore) List(ctx context.Context, since time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, type, entity_ref, occurred_at, payload, ingested_at
		FROM events WHERE ingested_at >= $1
		ORDER BY ingested_at, event_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.TenantID, &e.Type, &e.EntityRef, &e.OccurredAt, &payload, &e.IngestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
