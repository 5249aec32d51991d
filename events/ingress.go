package events

import (
	"context"
	"time"

	"github.com/agencyhq/automation/internal/logger"
)

// IngestResult reports what ingestion did with an event.
type IngestResult struct {
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
	Queued    bool   `json:"queued"`
}

// Ingress accepts domain events, normalizes them, and queues them per
// tenant. Ingestion is idempotent on EventID: a re-ingested id returns the
// prior outcome without re-queuing. Malformed events are rejected here and
// never reach a queue.
type Ingress struct {
	store    Store
	dispatch *Dispatcher
}

// NewIngress wires the event store and the dispatcher.
func NewIngress(store Store, dispatch *Dispatcher) *Ingress {
	return &Ingress{store: store, dispatch: dispatch}
}

// Ingest validates, persists, and enqueues an event. The event is durable
// before it is queued, so a crash between the two replays from the store
// rather than losing the event.
func (i *Ingress) Ingest(ctx context.Context, e *Event) (*IngestResult, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	stored := e.Clone()
	stored.IngestedAt = time.Now()
	if stored.OccurredAt.IsZero() {
		stored.OccurredAt = stored.IngestedAt
	}

	duplicate, err := i.store.Insert(ctx, stored)
	if err != nil {
		return nil, err
	}
	if duplicate {
		logger.Debug("duplicate event ignored", "eventId", e.EventID, "tenantId", e.TenantID)
		return &IngestResult{EventID: e.EventID, Duplicate: true}, nil
	}

	if err := i.dispatch.Enqueue(stored); err != nil {
		return nil, err
	}
	logger.Debug("event ingested",
		"eventId", stored.EventID, "tenantId", stored.TenantID, "type", stored.Type, "entityRef", stored.EntityRef)
	return &IngestResult{EventID: stored.EventID, Queued: true}, nil
}

// Replay re-enqueues stored events ingested at or after since. Run at
// startup: an event that was persisted but not fully processed when the
// process died gets processed now, and pairs already in the execution
// ledger are no-ops at the executor's idempotency guard. Returns the number
// of events enqueued.
func (i *Ingress) Replay(ctx context.Context, since time.Time) (int, error) {
	stored, err := i.store.List(ctx, since)
	if err != nil {
		return 0, err
	}
	for n, e := range stored {
		if err := i.dispatch.Enqueue(e); err != nil {
			return n, err
		}
	}
	if len(stored) > 0 {
		logger.Info("replayed stored events", "count", len(stored), "since", since)
	}
	return len(stored), nil
}
