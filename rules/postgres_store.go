package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL. Enabled/version/pack
// state lives in columns (so pack toggles are plain UPDATEs); the rest of
// the rule definition is a JSONB document.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) PutRule(ctx context.Context, r *Rule) (*Rule, error) {
	stored := r.Clone()
	now := time.Now()
	stored.UpdatedAt = now
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	def, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO rules (id, tenant_scope, category, priority, enabled, version, pack_id, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, nextval('rule_versions'), $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			tenant_scope = EXCLUDED.tenant_scope,
			category = EXCLUDED.category,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			version = nextval('rule_versions'),
			pack_id = EXCLUDED.pack_id,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
		RETURNING version, created_at
	`, stored.ID, stored.TenantScope, stored.Category, stored.Priority, stored.Enabled,
		stored.PackID, def, stored.CreatedAt, stored.UpdatedAt).Scan(&stored.Version, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert rule: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT definition, enabled, version, pack_id, created_at, updated_at
		FROM rules WHERE id = $1
	`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) DisableRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET enabled = false, version = nextval('rule_versions'), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to disable rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListRules(ctx context.Context, scope string, f Filter) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition, enabled, version, pack_id, created_at, updated_at
		FROM rules
		WHERE ($1 = '' OR tenant_scope = $1 OR tenant_scope = '*')
		  AND ($2 = '' OR category = $2)
		  AND ($3 = '' OR ($3 = 'enabled' AND enabled) OR ($3 = 'disabled' AND NOT enabled))
		  AND ($4 = '' OR pack_id = $4)
		ORDER BY priority ASC, id ASC
	`, scope, f.Category, f.Status, f.PackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func (s *PostgresStore) PutPack(ctx context.Context, p *Pack) error {
	stored := p.Clone()
	now := time.Now()
	stored.UpdatedAt = now
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	def, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal pack: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO packs (id, name, enabled, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
	`, stored.ID, stored.Name, stored.Enabled, def, stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert pack: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPack(ctx context.Context, id string) (*Pack, error) {
	var def []byte
	var enabled bool
	var createdAt, updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT definition, enabled, created_at, updated_at FROM packs WHERE id = $1
	`, id).Scan(&def, &enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pack %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pack: %w", err)
	}
	return unmarshalPack(def, enabled, createdAt, updatedAt)
}

func (s *PostgresStore) InstallPack(ctx context.Context, packID, scope string) (int, error) {
	return s.togglePack(ctx, packID, scope, true)
}

func (s *PostgresStore) UninstallPack(ctx context.Context, packID, scope string) (int, error) {
	return s.togglePack(ctx, packID, scope, false)
}

// togglePack runs as a single transaction: either the pack and every member
// rule flip together or nothing changes.
func (s *PostgresStore) togglePack(ctx context.Context, packID, scope string, enabled bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var def []byte
	var packEnabled bool
	var createdAt, updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT definition, enabled, created_at, updated_at FROM packs WHERE id = $1 FOR UPDATE
	`, packID).Scan(&def, &packEnabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("pack %s: %w", packID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock pack: %w", err)
	}
	p, err := unmarshalPack(def, packEnabled, createdAt, updatedAt)
	if err != nil {
		return 0, err
	}
	if enabled && !p.Compatible(scope) {
		return 0, validationErrorf("scope", "pack %s is not compatible with scope %q", packID, scope)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE rules
		SET enabled = $1, pack_id = $2, version = nextval('rule_versions'), updated_at = NOW()
		WHERE id = ANY($3)
	`, enabled, packID, pq.Array(p.RuleIDs))
	if err != nil {
		return 0, fmt.Errorf("failed to toggle member rules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if int(n) != len(p.RuleIDs) {
		return 0, fmt.Errorf("pack %s: %d of %d member rules exist: %w", packID, n, len(p.RuleIDs), ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE packs SET enabled = $1, updated_at = NOW() WHERE id = $2
	`, enabled, packID); err != nil {
		return 0, fmt.Errorf("failed to toggle pack: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit pack toggle: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Packs: make(map[string]*Pack)}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM rules
	`).Scan(&snap.Version); err != nil {
		return nil, fmt.Errorf("failed to read registry version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT definition, enabled, version, pack_id, created_at, updated_at
		FROM rules ORDER BY priority ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot rules: %w", err)
	}
	defer rows.Close()
	if snap.Rules, err = collectRules(rows); err != nil {
		return nil, err
	}

	packRows, err := s.db.QueryContext(ctx, `
		SELECT definition, enabled, created_at, updated_at FROM packs
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot packs: %w", err)
	}
	defer packRows.Close()
	for packRows.Next() {
		var def []byte
		var enabled bool
		var createdAt, updatedAt time.Time
		if err := packRows.Scan(&def, &enabled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pack: %w", err)
		}
		p, err := unmarshalPack(def, enabled, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		snap.Packs[p.ID] = p
	}
	if err := packRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating packs: %w", err)
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRule rebuilds a rule from its JSONB definition, then overrides the
// fields whose source of truth is a column (pack toggles update columns
// without rewriting the document).
func scanRule(row rowScanner) (*Rule, error) {
	var def []byte
	var r Rule
	if err := row.Scan(&def, &r.Enabled, &r.Version, &r.PackID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	enabled, version, packID := r.Enabled, r.Version, r.PackID
	createdAt, updatedAt := r.CreatedAt, r.UpdatedAt
	if err := json.Unmarshal(def, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule definition: %w", err)
	}
	r.Enabled, r.Version, r.PackID = enabled, version, packID
	r.CreatedAt, r.UpdatedAt = createdAt, updatedAt
	return &r, nil
}

func collectRules(rows *sql.Rows) ([]*Rule, error) {
	var out []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

func unmarshalPack(def []byte, enabled bool, createdAt, updatedAt time.Time) (*Pack, error) {
	var p Pack
	if err := json.Unmarshal(def, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pack definition: %w", err)
	}
	p.Enabled = enabled
	p.CreatedAt = createdAt
	p.UpdatedAt = updatedAt
	return &p, nil
}
