package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrEventNotFound is returned when looking up an event id that was never
// ingested.
var ErrEventNotFound = fmt.Errorf("event not found")

// Store persists ingested events. Events are append-only; Insert is the only
// write and is keyed by EventID.
type Store interface {
	// Insert persists the event. Returns duplicate=true (and no error) when
	// the id was already ingested.
	Insert(ctx context.Context, e *Event) (duplicate bool, err error)

	// Get returns an ingested event by id.
	Get(ctx context.Context, eventID string) (*Event, error)

	// List returns events ingested at or after since, in ingestion order.
	// Startup replay reads its work through this.
	List(ctx context.Context, since time.Time) ([]*Event, error)
}

// MemoryStore is the in-memory Store used by tests and single-process runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event)}
}

func (s *MemoryStore) Insert(_ context.Context, e *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.EventID]; exists {
		return true, nil
	}
	s.events[e.EventID] = e.Clone()
	return false, nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, since time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events {
		if e.IngestedAt.Before(since) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}
