// Package ledger is the append-only record of every match/evaluate/execute
// outcome — the source of audit trails and success-rate metrics. Records are
// never retracted; a PENDING action entry is finalized in place when the
// approval gate resolves, which supersedes rather than rewrites history.
package ledger

import (
	"errors"
	"time"
)

// ErrDuplicate is returned when appending a record for a (ruleId, eventId)
// pair that already has one. Re-delivery of an event must not create a
// second record.
var ErrDuplicate = errors.New("execution record already exists")

// ErrRecordNotFound is returned when amending or fetching a missing record.
var ErrRecordNotFound = errors.New("execution record not found")

// ActionStatus is the per-action outcome within a record.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "SUCCESS"
	ActionFailed  ActionStatus = "FAILED"
	ActionSkipped ActionStatus = "SKIPPED"
	ActionPending ActionStatus = "PENDING" // held behind the approval gate
)

// Outcome is the terminal result of one rule against one event.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomePartial Outcome = "PARTIAL"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

// ActionResult records one action of a rule's chain.
type ActionResult struct {
	Index      int          `json:"index"`
	Kind       string       `json:"kind"`
	Status     ActionStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	Attempts   int          `json:"attempts,omitempty"`
	DurationMS int64        `json:"durationMs"`
	ApprovalID string       `json:"approvalId,omitempty"`
}

// Record is the execution record for one (rule, event) pair. Exactly one
// record exists per pair.
type Record struct {
	ID              string         `json:"id"`
	RuleID          string         `json:"ruleId"`
	EventID         string         `json:"eventId"`
	TenantID        string         `json:"tenantId"`
	EntityRef       string         `json:"entityRef"`
	RuleVersion     int64          `json:"ruleVersion"`
	MatchedAt       time.Time      `json:"matchedAt"`
	ConditionResult bool           `json:"conditionResult"`
	Actions         []ActionResult `json:"actions,omitempty"`
	Outcome         Outcome        `json:"outcome"`
	Detail          string         `json:"detail,omitempty"` // skip/evaluation fault reason
}

// ComputeOutcome derives the record outcome from its action entries.
// Pending actions count toward PARTIAL: the rule has done real work but is
// not terminal for all its actions yet.
func ComputeOutcome(actions []ActionResult) Outcome {
	if len(actions) == 0 {
		return OutcomeSkipped
	}
	var succeeded, failed, pending, skipped int
	for _, a := range actions {
		switch a.Status {
		case ActionSuccess:
			succeeded++
		case ActionFailed:
			failed++
		case ActionPending:
			pending++
		case ActionSkipped:
			skipped++
		}
	}
	switch {
	case succeeded == len(actions):
		return OutcomeSuccess
	case skipped == len(actions):
		return OutcomeSkipped
	case failed > 0 && succeeded == 0 && pending == 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// Filter narrows Query results.
type Filter struct {
	RuleID   string
	TenantID string
	Since    time.Time
}

// Stats summarizes execution outcomes for dashboard consumption.
type Stats struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Partial     int     `json:"partial"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	SuccessRate float64 `json:"successRate"` // succeeded / (total - skipped)
}

func computeStats(records []*Record) *Stats {
	st := &Stats{}
	for _, r := range records {
		st.Total++
		switch r.Outcome {
		case OutcomeSuccess:
			st.Succeeded++
		case OutcomePartial:
			st.Partial++
		case OutcomeFailed:
			st.Failed++
		case OutcomeSkipped:
			st.Skipped++
		}
	}
	if executed := st.Total - st.Skipped; executed > 0 {
		st.SuccessRate = float64(st.Succeeded) / float64(executed)
	}
	return st
}
