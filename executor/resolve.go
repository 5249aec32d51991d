package executor

import (
	"context"
	"fmt"

	"github.com/agencyhq/automation/approvals"
	"github.com/agencyhq/automation/events"
	"github.com/agencyhq/automation/internal/logger"
	"github.com/agencyhq/automation/ledger"
	"github.com/agencyhq/automation/rules"
)

// ResumeApproved runs the approved gated action and the rest of its chain,
// then amends the execution record with the results. A repeat resolution
// (the gate retrying after a crash) finds the entry no longer PENDING and
// does nothing.
func (x *Executor) ResumeApproved(ctx context.Context, req *approvals.Request) error {
	r, e, err := x.loadResumeState(ctx, req)
	if err != nil {
		return err
	}

	// Same per-entity serialization the dispatcher gives the workers: the
	// resumed remainder never interleaves with another chain on this entity.
	mu := x.locks.lock(e.TenantID, e.EntityRef)
	defer mu.Unlock()

	if done, err := x.alreadyResolved(ctx, req); err != nil || done {
		return err
	}

	// Run the gated action itself, then the suspended remainder of the
	// chain. The gated action keeps its recorded index; results for the
	// remainder follow at their declared indexes.
	gated := x.runAction(ctx, r.ID, e, req.Action, req.ActionIndex)
	gated.ApprovalID = req.ID

	var rest []ledger.ActionResult
	for i := req.ActionIndex + 1; i < len(r.Actions); i++ {
		rest = append(rest, x.runAction(ctx, r.ID, e, r.Actions[i], i))
	}

	return x.amendResumed(ctx, req, gated, rest)
}

// FinalizeRejected marks the gated entry failed-by-rejection and records
// the never-run remainder of the chain as skipped.
func (x *Executor) FinalizeRejected(ctx context.Context, req *approvals.Request) error {
	r, e, err := x.loadResumeState(ctx, req)
	if err != nil {
		return err
	}

	mu := x.locks.lock(e.TenantID, e.EntityRef)
	defer mu.Unlock()

	if done, err := x.alreadyResolved(ctx, req); err != nil || done {
		return err
	}

	gated := ledger.ActionResult{
		Index:      req.ActionIndex,
		Kind:       string(req.Action.Kind),
		Status:     ledger.ActionFailed,
		Error:      "rejected: " + req.DecisionReason,
		ApprovalID: req.ID,
	}

	var rest []ledger.ActionResult
	for i := req.ActionIndex + 1; i < len(r.Actions); i++ {
		rest = append(rest, ledger.ActionResult{
			Index:  i,
			Kind:   string(r.Actions[i].Kind),
			Status: ledger.ActionSkipped,
			Error:  "chain rejected at approval gate",
		})
	}

	return x.amendResumed(ctx, req, gated, rest)
}

// loadResumeState fetches the rule and event a suspended chain needs. The
// rule is loaded directly, not via a fresh match: in-flight work completes
// under the configuration it started with even if the rule was disabled or
// its pack uninstalled while the request sat in review.
func (x *Executor) loadResumeState(ctx context.Context, req *approvals.Request) (*rules.Rule, *events.Event, error) {
	r, err := x.deps.Rules.GetRule(ctx, req.RuleID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load rule for approval %s: %w", req.ID, err)
	}
	e, err := x.deps.Events.Get(ctx, req.EventID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load event for approval %s: %w", req.ID, err)
	}
	if req.ActionIndex < 0 || req.ActionIndex >= len(r.Actions) {
		return nil, nil, fmt.Errorf("approval %s references action %d of rule %s, rule has %d",
			req.ID, req.ActionIndex, r.ID, len(r.Actions))
	}
	return r, e, nil
}

// alreadyResolved reports whether the record's gated entry has left PENDING,
// meaning a previous resolution ran the chain. Checked before any side
// effect so a gate retry after a crash does not execute the action twice.
func (x *Executor) alreadyResolved(ctx context.Context, req *approvals.Request) (bool, error) {
	rec, err := x.deps.Ledger.Get(ctx, req.RuleID, req.EventID)
	if err != nil {
		return false, fmt.Errorf("failed to load record for approval %s: %w", req.ID, err)
	}
	for _, ar := range rec.Actions {
		if ar.Index == req.ActionIndex {
			if ar.Status != ledger.ActionPending {
				logger.Warn("approval already resolved on record",
					"requestId", req.ID, "ruleId", req.RuleID, "eventId", req.EventID)
				return true, nil
			}
			return false, nil
		}
	}
	return false, fmt.Errorf("record for rule %s event %s has no entry at action %d",
		req.RuleID, req.EventID, req.ActionIndex)
}

// amendResumed replaces the PENDING entry with the final result, appends
// the remainder results, and recomputes the outcome. Resolving an entry
// that is no longer PENDING is a no-op.
func (x *Executor) amendResumed(ctx context.Context, req *approvals.Request, gated ledger.ActionResult, rest []ledger.ActionResult) error {
	return x.deps.Ledger.Amend(ctx, req.RuleID, req.EventID, func(rec *ledger.Record) error {
		pos := -1
		for i, ar := range rec.Actions {
			if ar.Index == req.ActionIndex {
				pos = i
				break
			}
		}
		if pos == -1 {
			return fmt.Errorf("record for rule %s event %s has no entry at action %d",
				req.RuleID, req.EventID, req.ActionIndex)
		}
		if rec.Actions[pos].Status != ledger.ActionPending {
			logger.Warn("approval already resolved on record",
				"requestId", req.ID, "ruleId", req.RuleID, "eventId", req.EventID)
			return nil
		}

		rec.Actions[pos] = gated
		rec.Actions = append(rec.Actions[:pos+1], rest...)
		rec.Outcome = ledger.ComputeOutcome(rec.Actions)
		return nil
	})
}
