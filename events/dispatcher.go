package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/agencyhq/automation/internal/logger"
)

// Handler processes one event end to end (match, evaluate, execute, record).
// Errors are for logging only: terminal outcomes always land in the
// execution ledger regardless.
type Handler interface {
	HandleEvent(ctx context.Context, e *Event) error
}

// Dispatcher fans events out to a fixed pool of workers. Events are
// partitioned by (tenant, entity) hash so all events for one entity land on
// the same worker queue and are processed serially in arrival order, while
// different entities and tenants proceed in parallel. The queue partition is
// the per-entity logical lock: action chains for one entity never
// interleave.
type Dispatcher struct {
	queues  []chan *Event
	handler Handler
	wg      sync.WaitGroup

	// mu is held for reading across every queue send and for writing while
	// stopping, so Stop never closes a queue under an in-flight Enqueue.
	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewDispatcher creates a dispatcher with the given worker count and
// per-worker queue depth.
func NewDispatcher(workers, queueDepth int, h Handler) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 64
	}
	d := &Dispatcher{
		queues:  make([]chan *Event, workers),
		handler: h,
	}
	for i := range d.queues {
		d.queues[i] = make(chan *Event, queueDepth)
	}
	return d
}

// Start launches the worker goroutines. Each worker drains exactly one
// queue, preserving FIFO within its partitions.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for i, q := range d.queues {
		d.wg.Add(1)
		go func(worker int, queue <-chan *Event) {
			defer d.wg.Done()
			for e := range queue {
				if err := d.handler.HandleEvent(ctx, e); err != nil {
					logger.Error("event processing failed",
						"worker", worker, "eventId", e.EventID, "tenantId", e.TenantID, "error", err)
				}
			}
		}(i, q)
	}
}

// Enqueue routes an event to its partition. Blocks when the partition queue
// is full, applying backpressure to ingress. The read lock is held across
// the send: a concurrent Stop waits for the send to land rather than
// closing the queue underneath it.
func (d *Dispatcher) Enqueue(e *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return fmt.Errorf("dispatcher is stopped")
	}
	d.queues[d.partition(e)] <- e
	return nil
}

// Stop waits for in-flight Enqueues to complete, closes the queues, and
// waits for the workers to drain them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) partition(e *Event) int {
	h := fnv.New32a()
	h.Write([]byte(e.TenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(e.EntityRef))
	return int(h.Sum32() % uint32(len(d.queues)))
}
