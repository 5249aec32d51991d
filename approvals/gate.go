package approvals

import (
	"context"
	"time"

	"github.com/agencyhq/automation/internal/logger"
)

// Resolver is implemented by the action executor: on APPROVED the gated
// action finally runs and its chain resumes; on REJECTED the execution
// record's entry is finalized as failed-by-rejection.
type Resolver interface {
	ResumeApproved(ctx context.Context, req *Request) error
	FinalizeRejected(ctx context.Context, req *Request) error
}

// Gate owns the approval request state machine:
//
//	PENDING_REVIEW → PENDING_APPROVAL → {APPROVED | REJECTED}
//
// A reviewer performs the first transition, a distinct approver the second;
// the same principal may never do both on one request.
type Gate struct {
	store    Store
	resolver Resolver
}

// NewGate wires the approval store and the executor-side resolver.
func NewGate(store Store, resolver Resolver) *Gate {
	return &Gate{store: store, resolver: resolver}
}

// Get returns a request by id.
func (g *Gate) Get(ctx context.Context, id string) (*Request, error) {
	return g.store.Get(ctx, id)
}

// List exposes requests to audit consumers at every state.
func (g *Gate) List(ctx context.Context, tenantID string, status Status) ([]*Request, error) {
	return g.store.List(ctx, tenantID, status)
}

// Review moves PENDING_REVIEW → PENDING_APPROVAL.
func (g *Gate) Review(ctx context.Context, id, reviewerID, reason string) (*Request, error) {
	if reviewerID == "" {
		return nil, &PrincipalError{Op: "review"}
	}
	if err := validReason(reason); err != nil {
		return nil, err
	}
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPendingReview {
		return nil, wrongState(req, StatusPendingReview)
	}

	now := time.Now()
	req.Status = StatusPendingApproval
	req.ReviewerID = reviewerID
	req.ReviewReason = reason
	req.ReviewedAt = &now
	if err := g.store.Transition(ctx, req, StatusPendingReview); err != nil {
		return nil, err
	}
	logger.Info("approval request reviewed", "requestId", id, "reviewerId", reviewerID)
	return req, nil
}

// Approve moves PENDING_APPROVAL → APPROVED and re-invokes the gated action
// through the resolver. The approver must differ from the reviewer.
func (g *Gate) Approve(ctx context.Context, id, approverID, reason string) (*Request, error) {
	req, err := g.decide(ctx, id, approverID, reason, StatusApproved)
	if err != nil {
		return nil, err
	}
	if g.resolver != nil {
		if err := g.resolver.ResumeApproved(ctx, req); err != nil {
			logger.Error("failed to resume approved action", "requestId", id, "error", err)
		}
	}
	return req, nil
}

// Reject moves PENDING_APPROVAL → REJECTED. Not a system error: a valid
// terminal outcome recorded as failed-by-rejection with the reason.
func (g *Gate) Reject(ctx context.Context, id, approverID, reason string) (*Request, error) {
	req, err := g.decide(ctx, id, approverID, reason, StatusRejected)
	if err != nil {
		return nil, err
	}
	if g.resolver != nil {
		if err := g.resolver.FinalizeRejected(ctx, req); err != nil {
			logger.Error("failed to finalize rejected action", "requestId", id, "error", err)
		}
	}
	return req, nil
}

func (g *Gate) decide(ctx context.Context, id, approverID, reason string, to Status) (*Request, error) {
	if approverID == "" {
		return nil, &PrincipalError{Op: "decide"}
	}
	if err := validReason(reason); err != nil {
		return nil, err
	}
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPendingApproval {
		return nil, wrongState(req, StatusPendingApproval)
	}
	if approverID == req.ReviewerID {
		return nil, ErrSeparationOfDuties
	}

	now := time.Now()
	req.Status = to
	req.ApproverID = approverID
	req.DecisionReason = reason
	req.DecidedAt = &now
	if err := g.store.Transition(ctx, req, StatusPendingApproval); err != nil {
		return nil, err
	}
	logger.Info("approval request decided", "requestId", id, "approverId", approverID, "status", string(to))
	return req, nil
}

// PrincipalError marks an operation missing its principal id.
type PrincipalError struct {
	Op string
}

func (e *PrincipalError) Error() string {
	return "a principal id is required to " + e.Op + " an approval request"
}

func wrongState(req *Request, want Status) error {
	return &TransitionError{ID: req.ID, Have: req.Status, Want: want}
}

// TransitionError reports a state machine violation with both states.
type TransitionError struct {
	ID   string
	Have Status
	Want Status
}

func (e *TransitionError) Error() string {
	return "request " + e.ID + " is " + string(e.Have) + ", operation requires " + string(e.Want)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
