package sla

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agencyhq/automation/events"
	"github.com/agencyhq/automation/rules"
)

// fakeEmitter records emitted events and deduplicates by id, mimicking
// ingress idempotency.
type fakeEmitter struct {
	mu     sync.Mutex
	events []*events.Event
	seen   map[string]bool
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{seen: make(map[string]bool)}
}

func (f *fakeEmitter) Ingest(_ context.Context, e *events.Event) (*events.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[e.EventID] {
		return &events.IngestResult{EventID: e.EventID, Duplicate: true}, nil
	}
	f.seen[e.EventID] = true
	f.events = append(f.events, e)
	return &events.IngestResult{EventID: e.EventID, Queued: true}, nil
}

func (f *fakeEmitter) emitted() []*events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*events.Event(nil), f.events...)
}

func armedTimer(t *testing.T, s *Scheduler, entityRef string, deadline time.Time) *Timer {
	t.Helper()
	timer := &Timer{
		TenantID:  "tenant-a",
		EntityRef: entityRef,
		RuleID:    "r1",
		Deadline:  deadline,
		OnExpire:  rules.Action{Kind: rules.ActionNotify, Params: map[string]any{"channel": "ops"}},
	}
	if err := s.Arm(context.Background(), timer); err != nil {
		t.Fatalf("Arm() failed: %v", err)
	}
	return timer
}

func TestSweepFiresBreachedTimersExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	emitter := newFakeEmitter()
	sched := NewScheduler(store, emitter, time.Second)

	now := time.Now()
	timer := armedTimer(t, sched, "invoice-42", now.Add(-time.Minute))
	armedTimer(t, sched, "invoice-77", now.Add(time.Hour)) // not yet due

	fired, err := sched.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep() failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("Sweep() fired %d timers, want 1", fired)
	}

	got := emitter.emitted()
	if len(got) != 1 {
		t.Fatalf("emitted %d events, want 1", len(got))
	}
	e := got[0]
	if e.EventID != timer.EscalationEventID() {
		t.Errorf("escalation event id = %s, want %s", e.EventID, timer.EscalationEventID())
	}
	if e.Type != BreachedEventType {
		t.Errorf("escalation event type = %s, want %s", e.Type, BreachedEventType)
	}
	if e.EntityRef != "invoice-42" {
		t.Errorf("escalation entityRef = %s, want invoice-42", e.EntityRef)
	}

	stored, err := store.Get(ctx, timer.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if stored.Status != StatusFired || stored.FiredEventID != e.EventID {
		t.Errorf("timer after fire: status=%s firedEventId=%s", stored.Status, stored.FiredEventID)
	}

	// A second sweep finds nothing ARMED and emits nothing new.
	if fired, err := sched.Sweep(ctx, now); err != nil || fired != 0 {
		t.Errorf("second Sweep() = %d, %v; want 0, nil", fired, err)
	}
	if len(emitter.emitted()) != 1 {
		t.Error("second sweep re-emitted an escalation")
	}
}

func TestSweepReplayDeduplicatesAtIngress(t *testing.T) {
	// Simulate a crash between emit and MarkFired: the timer stays ARMED, so
	// the next sweep re-emits, and the deterministic event id deduplicates.
	ctx := context.Background()
	store := NewMemoryStore()
	emitter := newFakeEmitter()
	sched := NewScheduler(store, emitter, time.Second)

	now := time.Now()
	timer := armedTimer(t, sched, "invoice-42", now.Add(-time.Minute))

	// First delivery happened but the FIRED transition was lost.
	if _, err := emitter.Ingest(ctx, &events.Event{
		EventID: timer.EscalationEventID(), TenantID: "tenant-a",
		Type: BreachedEventType, EntityRef: "invoice-42", OccurredAt: now,
	}); err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}

	if _, err := sched.Sweep(ctx, now); err != nil {
		t.Fatalf("Sweep() failed: %v", err)
	}
	if len(emitter.emitted()) != 1 {
		t.Errorf("replayed fire produced %d distinct events, want 1", len(emitter.emitted()))
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sched := NewScheduler(store, newFakeEmitter(), time.Second)

	timer := armedTimer(t, sched, "invoice-42", time.Now().Add(time.Hour))

	if err := sched.Cancel(ctx, "tenant-a", "invoice-42"); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}
	stored, _ := store.Get(ctx, timer.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", stored.Status)
	}

	// Cancelling again, or for an entity with no timers, is a no-op.
	if err := sched.Cancel(ctx, "tenant-a", "invoice-42"); err != nil {
		t.Errorf("second Cancel() failed: %v", err)
	}
	if err := sched.Cancel(ctx, "tenant-a", "no-such-entity"); err != nil {
		t.Errorf("Cancel(no timers) failed: %v", err)
	}
}

func TestCancelledTimerNeverFires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	emitter := newFakeEmitter()
	sched := NewScheduler(store, emitter, time.Second)

	armedTimer(t, sched, "invoice-42", time.Now().Add(-time.Minute))
	if err := sched.Cancel(ctx, "tenant-a", "invoice-42"); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}

	if fired, err := sched.Sweep(ctx, time.Now()); err != nil || fired != 0 {
		t.Errorf("Sweep() after cancel = %d, %v; want 0, nil", fired, err)
	}
	if len(emitter.emitted()) != 0 {
		t.Error("cancelled timer emitted an escalation")
	}
}

func TestMarkFiredIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sched := NewScheduler(store, newFakeEmitter(), time.Second)

	timer := armedTimer(t, sched, "invoice-42", time.Now())

	ok, err := store.MarkFired(ctx, timer.ID, "sla-"+timer.ID)
	if err != nil || !ok {
		t.Fatalf("MarkFired() = %v, %v; want true, nil", ok, err)
	}
	// Second fire loses the race.
	ok, err = store.MarkFired(ctx, timer.ID, "sla-"+timer.ID)
	if err != nil {
		t.Fatalf("MarkFired() failed: %v", err)
	}
	if ok {
		t.Error("MarkFired() succeeded twice for one timer")
	}
}
