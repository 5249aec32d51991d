// Package sla owns durable deadline timers. Timers survive process restarts:
// the sweep operates against persisted state, firing is a compare-and-swap,
// and the escalation event id is derived from the timer id so a replayed
// fire deduplicates at ingress.
package sla

import (
	"time"

	"github.com/agencyhq/automation/rules"
)

// BreachedEventType tags synthetic escalation events re-entering ingress.
// To the trigger matcher they are indistinguishable from external events.
const BreachedEventType = "sla.breached"

// Status is the timer lifecycle state.
type Status string

const (
	StatusArmed     Status = "ARMED"
	StatusCancelled Status = "CANCELLED"
	StatusFired     Status = "FIRED"
)

// Timer is a persisted deadline guarding a time-bound entity state.
type Timer struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenantId"`
	EntityRef string       `json:"entityRef"`
	RuleID    string       `json:"ruleId,omitempty"` // rule that armed the timer
	Deadline  time.Time    `json:"deadline"`
	OnExpire  rules.Action `json:"onExpire"`
	Status    Status       `json:"status"`

	// FiredEventID is the deterministic id of the escalation event, set when
	// the timer fires.
	FiredEventID string    `json:"firedEventId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// EscalationEventID derives the idempotency key for this timer's escalation
// event. Stable across re-fires after a restart.
func (t *Timer) EscalationEventID() string {
	return "sla-" + t.ID
}

// Clone returns a copy safe for callers to hold.
func (t *Timer) Clone() *Timer {
	cp := *t
	if t.OnExpire.Params != nil {
		cp.OnExpire.Params = make(map[string]any, len(t.OnExpire.Params))
		for k, v := range t.OnExpire.Params {
			cp.OnExpire.Params[k] = v
		}
	}
	cp.OnExpire.ApproverRoles = append([]string(nil), t.OnExpire.ApproverRoles...)
	return &cp
}
