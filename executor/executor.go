package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agencyhq/automation/approvals"
	"github.com/agencyhq/automation/events"
	"github.com/agencyhq/automation/internal/logger"
	"github.com/agencyhq/automation/ledger"
	"github.com/agencyhq/automation/rules"
	"github.com/agencyhq/automation/sla"
)

// Config tunes retry behavior.
type Config struct {
	MaxAttempts    int           // total attempts per action, default 3
	InitialBackoff time.Duration // first retry delay, default 100ms
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	return c
}

// Deps are the executor's constructed dependencies. Collaborator fields may
// be nil in tests; dispatching to a nil collaborator fails the action
// permanently.
type Deps struct {
	Rules     rules.Store
	Evaluator *rules.Evaluator
	Events    events.Store
	Ledger    ledger.Store
	Approvals approvals.Store
	Notifier  Notifier
	Entities  EntityClient
	Webhooks  WebhookClient
}

// Executor implements events.Handler and approvals.Resolver.
type Executor struct {
	cfg     Config
	deps    Deps
	emitter Emitter
	sched   *sla.Scheduler
	locks   entityLocks
}

// entityLocks serializes action execution per (tenant, entity). Dispatcher
// partitioning already keeps one entity on one worker; the stripes extend
// that guarantee to approval resumption, which runs on the gate caller's
// goroutine rather than a worker.
type entityLocks struct {
	stripes [64]sync.Mutex
}

func (l *entityLocks) lock(tenantID, entityRef string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{'|'})
	h.Write([]byte(entityRef))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m
}

// New creates an executor. Bind must be called before events flow (the
// emitter and scheduler are constructed after the dispatcher, which needs
// the executor as its handler).
func New(cfg Config, d Deps) *Executor {
	return &Executor{cfg: cfg.withDefaults(), deps: d}
}

// Bind attaches the ingress emitter and SLA scheduler once they exist.
func (x *Executor) Bind(emitter Emitter, sched *sla.Scheduler) {
	x.emitter = emitter
	x.sched = sched
}

// HandleEvent processes one event end to end against the rule snapshot
// pinned at match time. Errors local to one rule or action never abort the
// remaining candidates; every candidate leaves an execution record.
func (x *Executor) HandleEvent(ctx context.Context, e *events.Event) error {
	mu := x.locks.lock(e.TenantID, e.EntityRef)
	defer mu.Unlock()

	snap, err := x.deps.Rules.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot rules: %w", err)
	}

	// A fresh event for an entity signals a state change: ARMED timers
	// guarding the entity's previous state are cancelled before any new
	// timers are armed. Synthetic breach events don't cancel anything.
	if x.sched != nil && e.Type != sla.BreachedEventType {
		if err := x.sched.Cancel(ctx, e.TenantID, e.EntityRef); err != nil {
			logger.Warn("failed to cancel sla timers", "entityRef", e.EntityRef, "error", err)
		}
	}

	candidates := snap.Match(e.TenantID, e.Type, e.Payload)
	if len(candidates) == 0 {
		return nil
	}

	ctxSnapshot := x.contextSnapshot(ctx, e)

	// claimed tracks which rule owns entity-mutating effects per target
	// within this event. The first (lowest priority number, lowest id) rule
	// to mutate or gate a target wins; contradictory actions from later
	// rules are skipped on the record, never silently dropped.
	claimed := make(map[string]string)

	for _, r := range candidates {
		x.processRule(ctx, r, e, ctxSnapshot, claimed)
	}
	return nil
}

func (x *Executor) processRule(ctx context.Context, r *rules.Rule, e *events.Event, ctxSnapshot map[string]any, claimed map[string]string) {
	// At-most-once per (rule, event): a re-delivered event finds the record
	// and runs nothing.
	if done, err := x.deps.Ledger.Has(ctx, r.ID, e.EventID); err != nil {
		logger.Error("ledger lookup failed", "ruleId", r.ID, "eventId", e.EventID, "error", err)
		return
	} else if done {
		return
	}

	rec := &ledger.Record{
		ID:          uuid.NewString(),
		RuleID:      r.ID,
		EventID:     e.EventID,
		TenantID:    e.TenantID,
		EntityRef:   e.EntityRef,
		RuleVersion: r.Version,
		MatchedAt:   time.Now(),
	}

	matched, err := x.deps.Evaluator.Evaluate(r, e.Payload, ctxSnapshot)
	if err != nil {
		rec.Outcome = ledger.OutcomeSkipped
		rec.Detail = err.Error()
		x.append(ctx, rec)
		return
	}
	rec.ConditionResult = matched
	if !matched {
		rec.Outcome = ledger.OutcomeSkipped
		rec.Detail = "conditions not satisfied"
		x.append(ctx, rec)
		return
	}

	rec.Actions = x.runChain(ctx, r, e, claimed)
	rec.Outcome = ledger.ComputeOutcome(rec.Actions)
	x.append(ctx, rec)

	if r.SLADuration > 0 && (rec.Outcome == ledger.OutcomeSuccess || rec.Outcome == ledger.OutcomePartial) {
		x.armSLA(ctx, r, e)
	}
}

// runChain executes a rule's actions sequentially. Each result is recorded
// before the next action runs. The chain suspends at the first gated
// action: an approval request is created, the entry is recorded PENDING,
// and the remainder of the chain runs when the gate resolves.
func (x *Executor) runChain(ctx context.Context, r *rules.Rule, e *events.Event, claimed map[string]string) []ledger.ActionResult {
	var results []ledger.ActionResult
	for i, a := range r.Actions {
		target := actionTarget(a, e)

		if mutatesEntity(a) {
			if owner, ok := claimed[target]; ok && owner != r.ID {
				results = append(results, ledger.ActionResult{
					Index:  i,
					Kind:   string(a.Kind),
					Status: ledger.ActionSkipped,
					Error:  fmt.Sprintf("conflicts with rule %s on %s", owner, target),
				})
				continue
			}
		}

		if a.Gated() {
			req, err := x.createApproval(ctx, r, e, i, a, target)
			if err != nil {
				results = append(results, ledger.ActionResult{
					Index: i, Kind: string(a.Kind), Status: ledger.ActionFailed, Error: err.Error(),
				})
				continue
			}
			claimed[target] = r.ID
			results = append(results, ledger.ActionResult{
				Index: i, Kind: string(a.Kind), Status: ledger.ActionPending, ApprovalID: req.ID,
			})
			// Suspended: later actions run on resolution, without holding
			// the worker.
			break
		}

		res := x.runAction(ctx, r.ID, e, a, i)
		if res.Status == ledger.ActionSuccess && mutatesEntity(a) {
			claimed[target] = r.ID
		}
		results = append(results, res)
	}
	return results
}

// runAction dispatches one action with retry. Transient failures back off
// exponentially up to MaxAttempts; permanent failures stop immediately.
// Before each retry the rule's enablement is re-checked so disabling a rule
// or pack cancels in-flight retries.
func (x *Executor) runAction(ctx context.Context, ruleID string, e *events.Event, a rules.Action, idx int) ledger.ActionResult {
	start := time.Now()
	attempts := 0

	op := func() error {
		attempts++
		if attempts > 1 {
			if snap, err := x.deps.Rules.Snapshot(ctx); err == nil && !snap.RuleEnabled(ruleID) {
				return backoff.Permanent(ErrRuleDisabled)
			}
		}
		err := x.invoke(ctx, ruleID, e, a, idx)
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = x.cfg.InitialBackoff
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(x.cfg.MaxAttempts-1)), ctx))

	res := ledger.ActionResult{
		Index:      idx,
		Kind:       string(a.Kind),
		Status:     ledger.ActionSuccess,
		Attempts:   attempts,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Status = ledger.ActionFailed
		res.Error = err.Error()
	}
	return res
}

// invoke maps an action kind onto its collaborator. Kind require-approval
// only reaches here on resume, where it applies its params as an entity
// mutation.
func (x *Executor) invoke(ctx context.Context, ruleID string, e *events.Event, a rules.Action, idx int) error {
	switch a.Kind {
	case rules.ActionNotify:
		if x.deps.Notifier == nil {
			return fmt.Errorf("no notifier configured")
		}
		return x.deps.Notifier.Notify(ctx, e.TenantID, a.Params)
	case rules.ActionMutateEntity, rules.ActionRequireApproval:
		if x.deps.Entities == nil {
			return fmt.Errorf("no entity client configured")
		}
		return x.deps.Entities.Mutate(ctx, e.TenantID, actionTarget(a, e), a.Params)
	case rules.ActionWebhook:
		if x.deps.Webhooks == nil {
			return fmt.Errorf("no webhook client configured")
		}
		return x.deps.Webhooks.Deliver(ctx, e.TenantID, a.Params)
	case rules.ActionEscalate:
		return x.emitEscalation(ctx, ruleID, e, a, idx)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// emitEscalation re-enters ingress with a deterministic event id, so a
// retried escalate action deduplicates instead of double-escalating.
func (x *Executor) emitEscalation(ctx context.Context, ruleID string, e *events.Event, a rules.Action, idx int) error {
	if x.emitter == nil {
		return fmt.Errorf("no emitter configured")
	}
	eventType := "escalation.raised"
	if t, ok := a.Params["eventType"].(string); ok && t != "" {
		eventType = t
	}
	_, err := x.emitter.Ingest(ctx, &events.Event{
		EventID:    fmt.Sprintf("esc-%s-%s-%d", ruleID, e.EventID, idx),
		TenantID:   e.TenantID,
		Type:       eventType,
		EntityRef:  actionTarget(a, e),
		OccurredAt: time.Now(),
		Payload: map[string]any{
			"sourceEventId": e.EventID,
			"ruleId":        ruleID,
			"params":        a.Params,
		},
	})
	return err
}

func (x *Executor) createApproval(ctx context.Context, r *rules.Rule, e *events.Event, idx int, a rules.Action, target string) (*approvals.Request, error) {
	req := &approvals.Request{
		ID:          uuid.NewString(),
		TenantID:    e.TenantID,
		RuleID:      r.ID,
		EventID:     e.EventID,
		EntityRef:   target,
		ActionIndex: idx,
		Action:      a,
		Status:      approvals.StatusPendingReview,
		CreatedAt:   time.Now(),
	}
	if err := x.deps.Approvals.Insert(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	logger.Info("action held for approval",
		"requestId", req.ID, "ruleId", r.ID, "eventId", e.EventID, "entityRef", target)
	return req, nil
}

func (x *Executor) armSLA(ctx context.Context, r *rules.Rule, e *events.Event) {
	if x.sched == nil {
		return
	}
	onExpire := rules.Action{Kind: rules.ActionNotify}
	if r.EscalationAction != nil {
		onExpire = *r.EscalationAction
	}
	t := &sla.Timer{
		TenantID:  e.TenantID,
		EntityRef: e.EntityRef,
		RuleID:    r.ID,
		Deadline:  time.Now().Add(time.Duration(r.SLADuration)),
		OnExpire:  onExpire,
	}
	if err := x.sched.Arm(ctx, t); err != nil {
		logger.Error("failed to arm sla timer", "ruleId", r.ID, "entityRef", e.EntityRef, "error", err)
	}
}

// contextSnapshot fetches the read-only entity context once per event. On
// failure it returns nil: rules whose conditions read context then fault
// per-rule and are recorded SKIPPED, which is the contract.
func (x *Executor) contextSnapshot(ctx context.Context, e *events.Event) map[string]any {
	if x.deps.Entities == nil {
		return nil
	}
	snap, err := x.deps.Entities.Snapshot(ctx, e.TenantID, e.EntityRef)
	if err != nil {
		logger.Warn("context snapshot unavailable", "entityRef", e.EntityRef, "error", err)
		return nil
	}
	return snap
}

func (x *Executor) append(ctx context.Context, rec *ledger.Record) {
	err := x.deps.Ledger.Append(ctx, rec)
	if err == nil {
		return
	}
	// Silent loss of a processing result is a defect; a duplicate means a
	// concurrent delivery already recorded this pair.
	logger.Error("failed to append execution record",
		"ruleId", rec.RuleID, "eventId", rec.EventID, "error", err)
}

func actionTarget(a rules.Action, e *events.Event) string {
	if ref, ok := a.Params["entityRef"].(string); ok && ref != "" {
		return ref
	}
	return e.EntityRef
}

// mutatesEntity reports whether an action participates in the conflict
// policy. Only entity-mutating kinds can contradict each other; notify,
// webhook and escalate never conflict.
func mutatesEntity(a rules.Action) bool {
	return a.Kind == rules.ActionMutateEntity || a.Kind == rules.ActionRequireApproval
}
