package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/agencyhq/automation/rules"
)

// PostgresStore implements Store backed by PostgreSQL. Status transitions
// use a conditional UPDATE as the compare-and-swap.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, r *Request) error {
	action, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests
			(id, tenant_id, rule_id, event_id, entity_ref, action_index, action, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.TenantID, r.RuleID, r.EventID, r.EntityRef, r.ActionIndex, action, string(r.Status), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectRequest+` WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Transition(ctx context.Context, r *Request, expect Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, reviewer_id = $2, review_reason = $3,
		    approver_id = $4, decision_reason = $5, reviewed_at = $6, decided_at = $7
		WHERE id = $8 AND status = $9
	`, string(r.Status), r.ReviewerID, r.ReviewReason, r.ApproverID, r.DecisionReason,
		r.ReviewedAt, r.DecidedAt, r.ID, string(expect))
	if err != nil {
		return fmt.Errorf("failed to transition approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, r.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: request %s is no longer %s", ErrInvalidTransition, r.ID, expect)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, tenantID string, status Status) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, selectRequest+`
		WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
	`, tenantID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}
	return out, nil
}

const selectRequest = `
	SELECT id, tenant_id, rule_id, event_id, entity_ref, action_index, action, status,
	       COALESCE(reviewer_id, ''), COALESCE(review_reason, ''),
	       COALESCE(approver_id, ''), COALESCE(decision_reason, ''),
	       created_at, reviewed_at, decided_at
	FROM approval_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var action []byte
	var status string
	if err := row.Scan(&r.ID, &r.TenantID, &r.RuleID, &r.EventID, &r.EntityRef, &r.ActionIndex,
		&action, &status, &r.ReviewerID, &r.ReviewReason, &r.ApproverID, &r.DecisionReason,
		&r.CreatedAt, &r.ReviewedAt, &r.DecidedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	var a rules.Action
	if err := json.Unmarshal(action, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	r.Action = a
	return &r, nil
}
