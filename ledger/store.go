package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists execution records.
type Store interface {
	// Append writes a new record. Returns ErrDuplicate if a record for the
	// (ruleId, eventId) pair already exists.
	Append(ctx context.Context, r *Record) error

	// Has reports whether a record exists for the pair. The executor checks
	// this before running actions so re-delivered events execute at most
	// once per rule.
	Has(ctx context.Context, ruleID, eventID string) (bool, error)

	// Get returns the record for the pair.
	Get(ctx context.Context, ruleID, eventID string) (*Record, error)

	// Amend applies fn to the stored record under the store's write lock or
	// transaction. Used only to finalize PENDING action entries and append
	// resumed-chain results after the approval gate resolves.
	Amend(ctx context.Context, ruleID, eventID string, fn func(*Record) error) error

	// Query returns records matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]*Record, error)

	// Stats aggregates outcomes for a tenant over the filter window.
	Stats(ctx context.Context, f Filter) (*Stats, error)
}

// MemoryStore is the in-memory Store used by tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // key: ruleID + "\x00" + eventID
	order   []string
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func key(ruleID, eventID string) string {
	return ruleID + "\x00" + eventID
}

func (s *MemoryStore) Append(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(r.RuleID, r.EventID)
	if _, exists := s.records[k]; exists {
		return fmt.Errorf("rule %s event %s: %w", r.RuleID, r.EventID, ErrDuplicate)
	}
	cp := cloneRecord(r)
	s.records[k] = cp
	s.order = append(s.order, k)
	return nil
}

func (s *MemoryStore) Has(_ context.Context, ruleID, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key(ruleID, eventID)]
	return ok, nil
}

func (s *MemoryStore) Get(_ context.Context, ruleID, eventID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key(ruleID, eventID)]
	if !ok {
		return nil, fmt.Errorf("rule %s event %s: %w", ruleID, eventID, ErrRecordNotFound)
	}
	return cloneRecord(r), nil
}

func (s *MemoryStore) Amend(_ context.Context, ruleID, eventID string, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key(ruleID, eventID)]
	if !ok {
		return fmt.Errorf("rule %s event %s: %w", ruleID, eventID, ErrRecordNotFound)
	}
	cp := cloneRecord(r)
	if err := fn(cp); err != nil {
		return err
	}
	s.records[key(ruleID, eventID)] = cp
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, k := range s.order {
		r := s.records[k]
		if !matches(r, f) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MatchedAt.After(out[j].MatchedAt)
	})
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context, f Filter) (*Stats, error) {
	records, err := s.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return computeStats(records), nil
}

func matches(r *Record, f Filter) bool {
	if f.RuleID != "" && r.RuleID != f.RuleID {
		return false
	}
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	if !f.Since.IsZero() && r.MatchedAt.Before(f.Since) {
		return false
	}
	return true
}

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.Actions = append([]ActionResult(nil), r.Actions...)
	return &cp
}
