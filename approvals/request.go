// Package approvals implements the maker-checker gate: actions flagged for
// dual control are held as approval requests and only execute after a
// reviewer and a distinct approver have both signed off with a reason.
package approvals

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agencyhq/automation/rules"
)

// Status is the approval request lifecycle state.
type Status string

const (
	StatusPendingReview   Status = "PENDING_REVIEW"
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
)

// MinReasonLen is the minimum length of a transition reason. Every
// transition requires one.
const MinReasonLen = 10

var (
	ErrRequestNotFound = errors.New("approval request not found")

	// ErrSeparationOfDuties: the same principal may not review and decide
	// the same request. Enforced, not suggested.
	ErrSeparationOfDuties = errors.New("reviewer and approver must be distinct principals")

	// ErrInvalidTransition: the request is not in the state the operation
	// expects (e.g. approving before review, or re-deciding a terminal
	// request).
	ErrInvalidTransition = errors.New("invalid approval state transition")

	ErrReasonTooShort = fmt.Errorf("reason must be at least %d characters", MinReasonLen)
)

// Request holds an action pending dual approval. Created by the action
// executor; mutated only through Gate operations; terminal in APPROVED or
// REJECTED.
type Request struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenantId"`
	RuleID      string       `json:"ruleId"`
	EventID     string       `json:"eventId"`
	EntityRef   string       `json:"entityRef"`
	ActionIndex int          `json:"actionIndex"`
	Action      rules.Action `json:"action"`

	Status         Status     `json:"status"`
	ReviewerID     string     `json:"reviewerId,omitempty"`
	ReviewReason   string     `json:"reviewReason,omitempty"`
	ApproverID     string     `json:"approverId,omitempty"`
	DecisionReason string     `json:"decisionReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReviewedAt     *time.Time `json:"reviewedAt,omitempty"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
}

// Terminal reports whether the request has reached a final state.
func (r *Request) Terminal() bool {
	return r.Status == StatusApproved || r.Status == StatusRejected
}

// Clone returns a copy safe for callers to hold.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Action.Params = cloneParams(r.Action.Params)
	cp.Action.ApproverRoles = append([]string(nil), r.Action.ApproverRoles...)
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		cp.ReviewedAt = &t
	}
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func validReason(reason string) error {
	if len(strings.TrimSpace(reason)) < MinReasonLen {
		return ErrReasonTooShort
	}
	return nil
}
