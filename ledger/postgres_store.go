package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. The unique index on
// (rule_id, event_id) enforces the one-record-per-pair invariant; action
// entries live in a JSONB column and are finalized via a row-locked
// read-modify-write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed execution ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, r *Record) error {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal action results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_records
			(id, rule_id, event_id, tenant_id, entity_ref, rule_version, matched_at, condition_result, actions, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.RuleID, r.EventID, r.TenantID, r.EntityRef, r.RuleVersion,
		r.MatchedAt, r.ConditionResult, actions, string(r.Outcome), r.Detail)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("rule %s event %s: %w", r.RuleID, r.EventID, ErrDuplicate)
		}
		return fmt.Errorf("failed to append execution record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Has(ctx context.Context, ruleID, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM execution_records WHERE rule_id = $1 AND event_id = $2)
	`, ruleID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check execution record: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Get(ctx context.Context, ruleID, eventID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, event_id, tenant_id, entity_ref, rule_version, matched_at, condition_result, actions, outcome, detail
		FROM execution_records WHERE rule_id = $1 AND event_id = $2
	`, ruleID, eventID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s event %s: %w", ruleID, eventID, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Amend(ctx context.Context, ruleID, eventID string, fn func(*Record) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, rule_id, event_id, tenant_id, entity_ref, rule_version, matched_at, condition_result, actions, outcome, detail
		FROM execution_records WHERE rule_id = $1 AND event_id = $2 FOR UPDATE
	`, ruleID, eventID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("rule %s event %s: %w", ruleID, eventID, ErrRecordNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock execution record: %w", err)
	}

	if err := fn(r); err != nil {
		return err
	}

	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal action results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE execution_records SET actions = $1, outcome = $2, detail = $3
		WHERE rule_id = $4 AND event_id = $5
	`, actions, string(r.Outcome), r.Detail, ruleID, eventID); err != nil {
		return fmt.Errorf("failed to amend execution record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit amendment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, event_id, tenant_id, entity_ref, rule_version, matched_at, condition_result, actions, outcome, detail
		FROM execution_records
		WHERE ($1 = '' OR rule_id = $1)
		  AND ($2 = '' OR tenant_id = $2)
		  AND ($3::timestamptz IS NULL OR matched_at >= $3)
		ORDER BY matched_at DESC
	`, f.RuleID, f.TenantID, nullTime(f))
	if err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Stats(ctx context.Context, f Filter) (*Stats, error) {
	records, err := s.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return computeStats(records), nil
}

func nullTime(f Filter) any {
	if f.Since.IsZero() {
		return nil
	}
	return f.Since
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var actions []byte
	var outcome string
	if err := row.Scan(&r.ID, &r.RuleID, &r.EventID, &r.TenantID, &r.EntityRef, &r.RuleVersion,
		&r.MatchedAt, &r.ConditionResult, &actions, &outcome, &r.Detail); err != nil {
		return nil, err
	}
	r.Outcome = Outcome(outcome)
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &r.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action results: %w", err)
		}
	}
	return &r, nil
}
