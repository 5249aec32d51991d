package approvals

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists approval requests. Transitions are compare-and-swap on the
// expected status so two concurrent reviewers cannot both win.
type Store interface {
	Insert(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)

	// Transition persists the updated request iff the stored status still
	// equals expect. Returns ErrInvalidTransition when the CAS fails.
	Transition(ctx context.Context, r *Request, expect Status) error

	// List returns requests for a tenant ("" for all), optionally narrowed
	// by status, newest first. Audit consumers see every state.
	List(ctx context.Context, tenantID string, status Status) ([]*Request, error)
}

// MemoryStore is the in-memory Store used by tests and single-process runs.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryStore creates an empty in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Insert(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[r.ID]; exists {
		return fmt.Errorf("approval request %s already exists", r.ID)
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, r *Request, expect Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.requests[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, r.ID)
	}
	if stored.Status != expect {
		return fmt.Errorf("%w: request %s is %s, expected %s", ErrInvalidTransition, r.ID, stored.Status, expect)
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, status Status) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Request
	for _, r := range s.requests {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
