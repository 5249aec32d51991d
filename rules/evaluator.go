package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds expression evaluation so a pathological rule cannot
// exhaust the worker.
const celCostLimit = 1_000_000

// Evaluator evaluates rule condition trees against an event payload and a
// read-only context snapshot. Evaluation is deterministic and side-effect
// free; CEL programs for expr leaves are compiled once and cached. Safe for
// concurrent use.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator builds the CEL environment. Payloads are open maps, so both
// roots are declared dynamic; per-field typing is enforced by the condition
// tree's static validation instead.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// CompileExpr compiles and caches a CEL expression. Called at rule put time
// so invalid expressions are rejected before they reach the store.
func (ev *Evaluator) CompileExpr(expr string) error {
	ev.mu.RLock()
	_, ok := ev.programs[expr]
	ev.mu.RUnlock()
	if ok {
		return nil
	}

	ast, issues := ev.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := ev.env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}

	ev.mu.Lock()
	ev.programs[expr] = prog
	ev.mu.Unlock()
	return nil
}

// runExpr satisfies exprRunner for condition tree evaluation. Non-boolean
// results are an evaluation fault, not a silent false.
func (ev *Evaluator) runExpr(expr string, scope map[string]any) (bool, error) {
	ev.mu.RLock()
	prog, ok := ev.programs[expr]
	ev.mu.RUnlock()
	if !ok {
		if err := ev.CompileExpr(expr); err != nil {
			return false, err
		}
		ev.mu.RLock()
		prog = ev.programs[expr]
		ev.mu.RUnlock()
	}

	out, _, err := prog.Eval(scope)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}

// Evaluate runs a rule's condition tree against {event: payload,
// context: ctxSnapshot}. A nil tree is always satisfied. Any fault is
// wrapped as an EvaluationError so callers can record the rule SKIPPED and
// move on.
func (ev *Evaluator) Evaluate(r *Rule, payload, ctxSnapshot map[string]any) (bool, error) {
	scope := map[string]any{
		"event":   payload,
		"context": ctxSnapshot,
	}
	if payload == nil {
		scope["event"] = map[string]any{}
	}
	if ctxSnapshot == nil {
		scope["context"] = map[string]any{}
	}
	ok, err := r.Conditions.eval(scope, ev)
	if err != nil {
		return false, &EvaluationError{RuleID: r.ID, Err: err}
	}
	return ok, nil
}
