package sla

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agencyhq/automation/events"
	"github.com/agencyhq/automation/internal/logger"
	"github.com/google/uuid"
)

// Emitter feeds escalation events back into event ingress. Implemented by
// events.Ingress.
type Emitter interface {
	Ingest(ctx context.Context, e *events.Event) (*events.IngestResult, error)
}

// Scheduler owns SLA timers: it arms them, cancels them on entity state
// changes, and sweeps the persisted set on an interval, firing escalations
// for breached deadlines.
type Scheduler struct {
	store    Store
	emitter  Emitter
	interval time.Duration
}

// NewScheduler wires the timer store and the ingress emitter. interval is
// the sweep period.
func NewScheduler(store Store, emitter Emitter, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{store: store, emitter: emitter, interval: interval}
}

// Arm persists a timer for the entity. Deadline and expire action come from
// the rule that matched.
func (s *Scheduler) Arm(ctx context.Context, t *Timer) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = StatusArmed
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.store.Insert(ctx, t); err != nil {
		return err
	}
	logger.Debug("sla timer armed",
		"timerId", t.ID, "entityRef", t.EntityRef, "deadline", t.Deadline)
	return nil
}

// Cancel marks all ARMED timers for the entity CANCELLED. Cancelling an
// already-fired or already-cancelled timer is a no-op, not an error.
func (s *Scheduler) Cancel(ctx context.Context, tenantID, entityRef string) error {
	n, err := s.store.CancelFor(ctx, tenantID, entityRef)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Debug("sla timers cancelled", "entityRef", entityRef, "count", n)
	}
	return nil
}

// Run sweeps on the configured interval until ctx is done. Interval-based,
// not busy-polling.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now); err != nil {
				logger.Error("sla sweep failed", "error", err)
			}
		}
	}
}

// Sweep fires every ARMED timer past its deadline. The escalation event is
// emitted before the FIRED transition commits: if the process dies in
// between, the next sweep re-emits the same deterministic event id and
// ingress deduplicates it, so each timer escalates exactly once.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, t := range due {
		if err := s.fire(ctx, t, now); err != nil {
			logger.Error("failed to fire sla timer", "timerId", t.ID, "error", err)
			continue
		}
		fired++
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, t *Timer, now time.Time) error {
	eventID := t.EscalationEventID()
	if _, err := s.emitter.Ingest(ctx, &events.Event{
		EventID:    eventID,
		TenantID:   t.TenantID,
		Type:       BreachedEventType,
		EntityRef:  t.EntityRef,
		OccurredAt: now,
		Payload: map[string]any{
			"timerId":  t.ID,
			"ruleId":   t.RuleID,
			"deadline": t.Deadline.Format(time.RFC3339),
			"action":   actionPayload(t),
		},
	}); err != nil {
		return err
	}

	ok, err := s.store.MarkFired(ctx, t.ID, eventID)
	if err != nil {
		return err
	}
	if ok {
		logger.Info("sla timer fired",
			"timerId", t.ID, "entityRef", t.EntityRef, "escalationEventId", eventID)
	}
	return nil
}

// actionPayload round-trips the expire action through JSON so escalation
// rules can inspect it as plain payload data.
func actionPayload(t *Timer) map[string]any {
	b, err := json.Marshal(t.OnExpire)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
