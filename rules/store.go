package rules

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Filter narrows ListRules results for audit and UI consumption.
type Filter struct {
	Category string
	Status   string // "enabled", "disabled", or "" for both
	PackID   string
}

func (f Filter) matches(r *Rule) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Status == "enabled" && !r.Enabled {
		return false
	}
	if f.Status == "disabled" && r.Enabled {
		return false
	}
	if f.PackID != "" && r.PackID != f.PackID {
		return false
	}
	return true
}

// Store is the durable registry of rule definitions and packs. Rules and
// packs are mutated only through this API; everything downstream reads
// versioned snapshots.
type Store interface {
	// PutRule validates nothing itself; callers validate first. Creates or
	// updates the rule and stamps a strictly increasing version. Returns the
	// stored copy.
	PutRule(ctx context.Context, r *Rule) (*Rule, error)

	// GetRule returns a rule by id, including disabled ones: in-flight work
	// resumes under a rule's last-known configuration.
	GetRule(ctx context.Context, id string) (*Rule, error)

	// DisableRule soft-deletes a rule. The id is never reused.
	DisableRule(ctx context.Context, id string) error

	// ListRules returns rules visible to the scope (exact match plus
	// blueprint-wide), narrowed by the filter, ordered by (priority, id).
	ListRules(ctx context.Context, scope string, f Filter) ([]*Rule, error)

	// PutPack registers or replaces a pack definition.
	PutPack(ctx context.Context, p *Pack) error

	// GetPack returns a pack by id.
	GetPack(ctx context.Context, id string) (*Pack, error)

	// InstallPack atomically enables the pack and all member rules for the
	// scope. On any member failure nothing is changed. Returns the number of
	// rules toggled.
	InstallPack(ctx context.Context, packID, scope string) (int, error)

	// UninstallPack is the atomic inverse of InstallPack.
	UninstallPack(ctx context.Context, packID, scope string) (int, error)

	// Snapshot returns an immutable versioned view of all rules and packs.
	// A long-running event evaluates against the snapshot pinned at match
	// time even if rules are edited mid-flight.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot is a point-in-time copy of the registry consumed by the matcher.
type Snapshot struct {
	Version int64
	Rules   []*Rule
	Packs   map[string]*Pack
}

// MemoryStore implements Store with an in-memory map. Used by unit tests and
// single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	rules   map[string]*Rule
	packs   map[string]*Pack
	version int64
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]*Rule),
		packs: make(map[string]*Pack),
	}
}

func (s *MemoryStore) PutRule(_ context.Context, r *Rule) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := r.Clone()
	if existing, ok := s.rules[r.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.version++
	stored.Version = s.version
	s.rules[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) GetRule(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) DisableRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	r.Enabled = false
	r.UpdatedAt = time.Now()
	s.version++
	r.Version = s.version
	return nil
}

func (s *MemoryStore) ListRules(_ context.Context, scope string, f Filter) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, r := range s.rules {
		if scope != "" && !r.AppliesTo(scope) {
			continue
		}
		if !f.matches(r) {
			continue
		}
		out = append(out, r.Clone())
	}
	sortRules(out)
	return out, nil
}

func (s *MemoryStore) PutPack(_ context.Context, p *Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := p.Clone()
	if existing, ok := s.packs[p.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.packs[stored.ID] = stored
	s.version++
	return nil
}

func (s *MemoryStore) GetPack(_ context.Context, id string) (*Pack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packs[id]
	if !ok {
		return nil, fmt.Errorf("pack %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) InstallPack(ctx context.Context, packID, scope string) (int, error) {
	return s.togglePack(packID, scope, true)
}

func (s *MemoryStore) UninstallPack(ctx context.Context, packID, scope string) (int, error) {
	return s.togglePack(packID, scope, false)
}

// togglePack flips the pack and every member rule under one lock so no
// partial-pack state is ever observable. Member resolution is verified
// before any mutation.
func (s *MemoryStore) togglePack(packID, scope string, enabled bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packs[packID]
	if !ok {
		return 0, fmt.Errorf("pack %s: %w", packID, ErrNotFound)
	}
	if enabled && !p.Compatible(scope) {
		return 0, validationErrorf("scope", "pack %s is not compatible with scope %q", packID, scope)
	}

	members := make([]*Rule, 0, len(p.RuleIDs))
	for _, id := range p.RuleIDs {
		r, ok := s.rules[id]
		if !ok {
			return 0, fmt.Errorf("pack %s member rule %s: %w", packID, id, ErrNotFound)
		}
		members = append(members, r)
	}

	now := time.Now()
	for _, r := range members {
		r.Enabled = enabled
		r.PackID = packID
		r.UpdatedAt = now
		s.version++
		r.Version = s.version
	}
	p.Enabled = enabled
	p.UpdatedAt = now
	s.version++
	return len(members), nil
}

func (s *MemoryStore) Snapshot(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		Version: s.version,
		Rules:   make([]*Rule, 0, len(s.rules)),
		Packs:   make(map[string]*Pack, len(s.packs)),
	}
	for _, r := range s.rules {
		snap.Rules = append(snap.Rules, r.Clone())
	}
	for id, p := range s.packs {
		snap.Packs[id] = p.Clone()
	}
	sortRules(snap.Rules)
	return snap, nil
}
