package approvals

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agencyhq/automation/rules"
)

// fakeResolver records which requests were resumed or finalized.
type fakeResolver struct {
	mu        sync.Mutex
	resumed   []string
	finalized []string
}

func (r *fakeResolver) ResumeApproved(_ context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, req.ID)
	return nil
}

func (r *fakeResolver) FinalizeRejected(_ context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, req.ID)
	return nil
}

func pendingRequest(id string) *Request {
	return &Request{
		ID:          id,
		TenantID:    "tenant-a",
		RuleID:      "r1",
		EventID:     "e1",
		EntityRef:   "invoice-42",
		ActionIndex: 0,
		Action:      rules.Action{Kind: rules.ActionMutateEntity, RequiresApproval: true, ApproverRoles: []string{"finance"}},
		Status:      StatusPendingReview,
		CreatedAt:   time.Now(),
	}
}

func newTestGate(t *testing.T, resolver Resolver) (*Gate, Store) {
	t.Helper()
	store := NewMemoryStore()
	if err := store.Insert(context.Background(), pendingRequest("req-1")); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	return NewGate(store, resolver), store
}

const goodReason = "verified against the contract terms"

func TestGateReviewThenApprove(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{}
	gate, _ := newTestGate(t, resolver)

	reviewed, err := gate.Review(ctx, "req-1", "alice", goodReason)
	if err != nil {
		t.Fatalf("Review() failed: %v", err)
	}
	if reviewed.Status != StatusPendingApproval || reviewed.ReviewerID != "alice" {
		t.Errorf("after review: status=%s reviewer=%s", reviewed.Status, reviewed.ReviewerID)
	}
	if reviewed.ReviewedAt == nil {
		t.Error("ReviewedAt not stamped")
	}

	approved, err := gate.Approve(ctx, "req-1", "bob", goodReason)
	if err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	if approved.Status != StatusApproved || approved.ApproverID != "bob" {
		t.Errorf("after approve: status=%s approver=%s", approved.Status, approved.ApproverID)
	}
	if !approved.Terminal() {
		t.Error("approved request should be terminal")
	}
	if len(resolver.resumed) != 1 || resolver.resumed[0] != "req-1" {
		t.Errorf("resolver.resumed = %v, want [req-1]", resolver.resumed)
	}
}

func TestGateRejectFinalizes(t *testing.T) {
	ctx := context.Background()
	resolver := &fakeResolver{}
	gate, _ := newTestGate(t, resolver)

	if _, err := gate.Review(ctx, "req-1", "alice", goodReason); err != nil {
		t.Fatalf("Review() failed: %v", err)
	}
	rejected, err := gate.Reject(ctx, "req-1", "bob", "amount exceeds the agreed cap")
	if err != nil {
		t.Fatalf("Reject() failed: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("status = %s, want REJECTED", rejected.Status)
	}
	if len(resolver.finalized) != 1 {
		t.Errorf("resolver.finalized = %v, want one entry", resolver.finalized)
	}
	if len(resolver.resumed) != 0 {
		t.Error("reject must not resume the action")
	}
}

func TestGateEnforcesSeparationOfDuties(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, &fakeResolver{})

	if _, err := gate.Review(ctx, "req-1", "alice", goodReason); err != nil {
		t.Fatalf("Review() failed: %v", err)
	}
	if _, err := gate.Approve(ctx, "req-1", "alice", goodReason); !errors.Is(err, ErrSeparationOfDuties) {
		t.Errorf("Approve() by the reviewer: error = %v, want ErrSeparationOfDuties", err)
	}

	// Rejecting as the reviewer is equally forbidden.
	if _, err := gate.Reject(ctx, "req-1", "alice", goodReason); !errors.Is(err, ErrSeparationOfDuties) {
		t.Errorf("Reject() by the reviewer: error = %v, want ErrSeparationOfDuties", err)
	}
}

func TestGateRequiresReason(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, &fakeResolver{})

	if _, err := gate.Review(ctx, "req-1", "alice", "too short"); !errors.Is(err, ErrReasonTooShort) {
		t.Errorf("Review() with short reason: error = %v, want ErrReasonTooShort", err)
	}
	// Whitespace padding doesn't count.
	if _, err := gate.Review(ctx, "req-1", "alice", "   short    "); !errors.Is(err, ErrReasonTooShort) {
		t.Errorf("Review() with padded reason: error = %v, want ErrReasonTooShort", err)
	}
}

func TestGateStateMachineTransitions(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, &fakeResolver{})

	// Approving before review is out of order.
	if _, err := gate.Approve(ctx, "req-1", "bob", goodReason); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Approve() before review: error = %v, want ErrInvalidTransition", err)
	}

	if _, err := gate.Review(ctx, "req-1", "alice", goodReason); err != nil {
		t.Fatalf("Review() failed: %v", err)
	}
	// Double review.
	if _, err := gate.Review(ctx, "req-1", "carol", goodReason); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Review(): error = %v, want ErrInvalidTransition", err)
	}

	if _, err := gate.Approve(ctx, "req-1", "bob", goodReason); err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	// Terminal requests cannot be re-decided.
	if _, err := gate.Reject(ctx, "req-1", "carol", goodReason); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Reject() after approve: error = %v, want ErrInvalidTransition", err)
	}
}

func TestGateRequiresPrincipal(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, &fakeResolver{})

	var pe *PrincipalError
	if _, err := gate.Review(ctx, "req-1", "", goodReason); !errors.As(err, &pe) {
		t.Errorf("Review() without principal: error = %v, want PrincipalError", err)
	}
	if _, err := gate.Approve(ctx, "req-1", "", goodReason); !errors.As(err, &pe) {
		t.Errorf("Approve() without principal: error = %v, want PrincipalError", err)
	}
}

func TestGateListFilters(t *testing.T) {
	ctx := context.Background()
	gate, store := newTestGate(t, &fakeResolver{})

	other := pendingRequest("req-2")
	other.TenantID = "tenant-b"
	if err := store.Insert(ctx, other); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	all, err := gate.List(ctx, "", "")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List() = %d requests, want 2", len(all))
	}

	scoped, err := gate.List(ctx, "tenant-a", StatusPendingReview)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "req-1" {
		t.Errorf("List(tenant-a, PENDING_REVIEW) = %v, want [req-1]", scoped)
	}
}
