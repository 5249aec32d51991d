package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ScopeAll marks a rule or pack as blueprint-wide: applicable to every tenant.
const ScopeAll = "*"

// ActionKind enumerates the action types the executor knows how to dispatch.
type ActionKind string

const (
	ActionNotify          ActionKind = "notify"
	ActionMutateEntity    ActionKind = "mutate-entity"
	ActionWebhook         ActionKind = "webhook"
	ActionRequireApproval ActionKind = "require-approval"
	ActionEscalate        ActionKind = "escalate"
)

// Action is a declarative action spec. The executor interprets Kind to invoke
// an external collaborator; the engine never owns the business semantics.
//
// Kind require-approval holds an entity mutation behind the approval gate:
// its Params describe the mutation applied on approval. Any other kind with
// RequiresApproval set gates its own execution the same way.
type Action struct {
	Kind             ActionKind     `json:"kind"`
	Params           map[string]any `json:"params,omitempty"`
	RequiresApproval bool           `json:"requiresApproval,omitempty"`
	ApproverRoles    []string       `json:"approverRoles,omitempty"`
}

// Gated reports whether executing this action requires maker-checker approval.
func (a Action) Gated() bool {
	return a.RequiresApproval || a.Kind == ActionRequireApproval
}

// Trigger selects the events a rule is a candidate for. Filter entries must
// all match the event payload (subset match) for the rule to be considered.
type Trigger struct {
	EventType string         `json:"eventType"`
	Filter    map[string]any `json:"filter,omitempty"`
}

// Duration wraps time.Duration with JSON marshaling as a Go duration string
// ("72h", "30m"). A bare number is read as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration: %s", string(b))
}

// Rule is a trigger + conditions + actions definition evaluated against
// events. IDs are globally unique and never reused; disabling is a soft
// delete that retains history.
type Rule struct {
	ID          string `json:"id"`
	TenantScope string `json:"tenantScope"` // tenant id, or ScopeAll for blueprint-wide
	Category    string `json:"category,omitempty"`
	Priority    int    `json:"priority"` // lower evaluates first
	Enabled     bool   `json:"enabled"`

	// Version is stamped by the store on every write, strictly increasing,
	// so matcher snapshots can detect staleness.
	Version int64 `json:"version"`

	Trigger    Trigger    `json:"trigger"`
	Conditions *Condition `json:"conditions,omitempty"` // nil means always satisfied
	Actions    []Action   `json:"actions"`

	SLADuration      Duration `json:"slaDuration,omitempty"`
	EscalationAction *Action  `json:"escalationAction,omitempty"`

	PackID    string    `json:"packId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AppliesTo reports whether the rule's scope covers the given tenant.
func (r *Rule) AppliesTo(tenantID string) bool {
	return r.TenantScope == ScopeAll || r.TenantScope == tenantID
}

// Clone returns a deep copy so snapshot consumers can't mutate store state.
func (r *Rule) Clone() *Rule {
	cp := *r
	cp.Trigger.Filter = cloneMap(r.Trigger.Filter)
	cp.Conditions = r.Conditions.clone()
	cp.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		cp.Actions[i] = a
		cp.Actions[i].Params = cloneMap(a.Params)
		cp.Actions[i].ApproverRoles = append([]string(nil), a.ApproverRoles...)
	}
	if r.EscalationAction != nil {
		ea := *r.EscalationAction
		ea.Params = cloneMap(r.EscalationAction.Params)
		ea.ApproverRoles = append([]string(nil), r.EscalationAction.ApproverRoles...)
		cp.EscalationAction = &ea
	}
	return &cp
}

// Pack is a named, installable bundle of rules. Enabling or disabling a pack
// is atomic across all member rules.
type Pack struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	RuleIDs          []string  `json:"ruleIds"`
	Enabled          bool      `json:"enabled"`
	CompatibleScopes []string  `json:"compatibleScopes,omitempty"` // empty means every scope
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Compatible reports whether the pack may be installed for the given scope.
func (p *Pack) Compatible(scope string) bool {
	if len(p.CompatibleScopes) == 0 {
		return true
	}
	for _, s := range p.CompatibleScopes {
		if s == scope || s == ScopeAll {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the pack.
func (p *Pack) Clone() *Pack {
	cp := *p
	cp.RuleIDs = append([]string(nil), p.RuleIDs...)
	cp.CompatibleScopes = append([]string(nil), p.CompatibleScopes...)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Sentinel errors shared by store implementations.
var (
	ErrNotFound     = errors.New("not found")
	ErrPackDisabled = errors.New("pack is disabled")
)

// ValidationError marks a rule, pack, or event that was rejected
// synchronously. It is never queued or retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// EvaluationError marks a condition evaluator fault on a single rule. The
// rule is recorded SKIPPED and event processing continues.
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating rule %s: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
