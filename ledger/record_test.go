package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeOutcome(t *testing.T) {
	tests := []struct {
		name    string
		actions []ActionResult
		want    Outcome
	}{
		{"no actions", nil, OutcomeSkipped},
		{"all success", []ActionResult{{Status: ActionSuccess}, {Status: ActionSuccess}}, OutcomeSuccess},
		{"all skipped", []ActionResult{{Status: ActionSkipped}}, OutcomeSkipped},
		{"all failed", []ActionResult{{Status: ActionFailed}, {Status: ActionFailed}}, OutcomeFailed},
		{"mixed success and failure", []ActionResult{{Status: ActionSuccess}, {Status: ActionFailed}}, OutcomePartial},
		{"failure with skip only", []ActionResult{{Status: ActionFailed}, {Status: ActionSkipped}}, OutcomeFailed},
		{"pending counts as partial", []ActionResult{{Status: ActionPending}}, OutcomePartial},
		{"success with pending", []ActionResult{{Status: ActionSuccess}, {Status: ActionPending}}, OutcomePartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeOutcome(tt.actions); got != tt.want {
				t.Errorf("ComputeOutcome() = %s, want %s", got, tt.want)
			}
		})
	}
}

func testRecord(ruleID, eventID string, outcome Outcome) *Record {
	return &Record{
		ID:        ruleID + "-" + eventID,
		RuleID:    ruleID,
		EventID:   eventID,
		TenantID:  "tenant-a",
		MatchedAt: time.Now(),
		Outcome:   outcome,
	}
}

func TestMemoryStoreAppendRejectsDuplicatePair(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Append(ctx, testRecord("r1", "e1", OutcomeSuccess)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := store.Append(ctx, testRecord("r1", "e1", OutcomeFailed)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Append() error = %v, want ErrDuplicate", err)
	}

	has, err := store.Has(ctx, "r1", "e1")
	if err != nil || !has {
		t.Errorf("Has() = %v, %v; want true, nil", has, err)
	}
	has, err = store.Has(ctx, "r1", "e2")
	if err != nil || has {
		t.Errorf("Has(unrecorded) = %v, %v; want false, nil", has, err)
	}
}

func TestMemoryStoreAmendFinalizesPendingEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	rec := testRecord("r1", "e1", OutcomePartial)
	rec.Actions = []ActionResult{{Index: 0, Status: ActionPending}}
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	err := store.Amend(ctx, "r1", "e1", func(r *Record) error {
		r.Actions[0].Status = ActionSuccess
		r.Outcome = ComputeOutcome(r.Actions)
		return nil
	})
	if err != nil {
		t.Fatalf("Amend() failed: %v", err)
	}

	got, err := store.Get(ctx, "r1", "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Outcome != OutcomeSuccess || got.Actions[0].Status != ActionSuccess {
		t.Errorf("after amend: outcome=%s action=%s, want SUCCESS/SUCCESS", got.Outcome, got.Actions[0].Status)
	}

	if err := store.Amend(ctx, "r9", "e9", func(*Record) error { return nil }); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Amend(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestMemoryStoreAmendRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Append(ctx, testRecord("r1", "e1", OutcomeSuccess)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	boom := errors.New("boom")
	err := store.Amend(ctx, "r1", "e1", func(r *Record) error {
		r.Outcome = OutcomeFailed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Amend() error = %v, want boom", err)
	}

	got, _ := store.Get(ctx, "r1", "e1")
	if got.Outcome != OutcomeSuccess {
		t.Error("failed amend must not persist its changes")
	}
}

func TestMemoryStoreQueryAndStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	records := []*Record{
		testRecord("r1", "e1", OutcomeSuccess),
		testRecord("r1", "e2", OutcomeFailed),
		testRecord("r2", "e1", OutcomeSkipped),
		testRecord("r2", "e3", OutcomePartial),
	}
	for _, r := range records {
		if err := store.Append(ctx, r); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	other := testRecord("r3", "e9", OutcomeSuccess)
	other.TenantID = "tenant-b"
	if err := store.Append(ctx, other); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	byRule, err := store.Query(ctx, Filter{RuleID: "r1"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(byRule) != 2 {
		t.Errorf("Query(ruleId=r1) = %d records, want 2", len(byRule))
	}

	stats, err := store.Stats(ctx, Filter{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Total != 4 || stats.Succeeded != 1 || stats.Failed != 1 || stats.Skipped != 1 || stats.Partial != 1 {
		t.Errorf("stats = %+v, want total=4 one of each outcome", stats)
	}
	// Success rate excludes skipped: 1 succeeded out of 3 executed.
	if want := 1.0 / 3.0; stats.SuccessRate != want {
		t.Errorf("SuccessRate = %v, want %v", stats.SuccessRate, want)
	}
}
