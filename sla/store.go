package sla

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrTimerNotFound is returned when looking up a missing timer.
var ErrTimerNotFound = fmt.Errorf("timer not found")

// Store persists SLA timers. The scheduler is the only writer.
type Store interface {
	Insert(ctx context.Context, t *Timer) error
	Get(ctx context.Context, id string) (*Timer, error)

	// Due returns ARMED timers whose deadline is at or before now.
	Due(ctx context.Context, now time.Time) ([]*Timer, error)

	// MarkFired transitions ARMED → FIRED. Returns false (no error) when the
	// timer is no longer ARMED — the fire raced a cancel or another sweep.
	MarkFired(ctx context.Context, id, firedEventID string) (bool, error)

	// CancelFor marks every ARMED timer for the entity CANCELLED and returns
	// how many were cancelled. Already-fired and already-cancelled timers
	// are untouched, so cancellation is idempotent.
	CancelFor(ctx context.Context, tenantID, entityRef string) (int, error)
}

// MemoryStore is the in-memory Store used by tests and single-process runs.
type MemoryStore struct {
	mu     sync.RWMutex
	timers map[string]*Timer
}

// NewMemoryStore creates an empty in-memory timer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{timers: make(map[string]*Timer)}
}

func (s *MemoryStore) Insert(_ context.Context, t *Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[t.ID]; exists {
		return fmt.Errorf("timer %s already exists", t.ID)
	}
	s.timers[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.timers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time) ([]*Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Timer
	for _, t := range s.timers {
		if t.Status == StatusArmed && !t.Deadline.After(now) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkFired(_ context.Context, id, firedEventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTimerNotFound, id)
	}
	if t.Status != StatusArmed {
		return false, nil
	}
	t.Status = StatusFired
	t.FiredEventID = firedEventID
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) CancelFor(_ context.Context, tenantID, entityRef string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if t.TenantID == tenantID && t.EntityRef == entityRef && t.Status == StatusArmed {
			t.Status = StatusCancelled
			t.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}
