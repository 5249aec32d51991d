// Package executor runs the rule pipeline for each event: match, evaluate,
// execute the action chains in priority order, and record every outcome in
// the execution ledger. Business side effects live behind the collaborator
// interfaces below; the executor only interprets action kinds.
package executor

import (
	"context"
	"errors"

	"github.com/agencyhq/automation/events"
)

// Notifier delivers notify actions to the notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, tenantID string, params map[string]any) error
}

// EntityClient is the engine's view of the business-entity collaborator:
// read-only context snapshots for condition evaluation and declarative
// mutations for mutate-entity actions.
type EntityClient interface {
	Snapshot(ctx context.Context, tenantID, entityRef string) (map[string]any, error)
	Mutate(ctx context.Context, tenantID, entityRef string, params map[string]any) error
}

// WebhookClient delivers webhook actions.
type WebhookClient interface {
	Deliver(ctx context.Context, tenantID string, params map[string]any) error
}

// Emitter feeds synthetic events (escalate actions) back into ingress.
// Implemented by events.Ingress.
type Emitter interface {
	Ingest(ctx context.Context, e *events.Event) (*events.IngestResult, error)
}

// TransientError marks a retryable collaborator failure (timeout, 5xx
// equivalent). The executor retries these with exponential backoff; any
// other error is permanent and fails the action immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the executor will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrRuleDisabled cancels in-flight retries when the triggering rule or its
// pack is disabled mid-flight.
var ErrRuleDisabled = errors.New("rule disabled mid-flight")
