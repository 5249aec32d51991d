// Package events owns event ingestion: validation, idempotent persistence,
// and the partitioned dispatch queues that feed the rule pipeline.
package events

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent marks a malformed event rejected at ingress. Invalid
// events are never queued.
var ErrInvalidEvent = errors.New("invalid event")

// Event is a domain event from an external collaborator (or a synthetic
// escalation re-entering ingress). Immutable once ingested. EventID is the
// idempotency key: re-ingesting the same id is a no-op.
type Event struct {
	EventID    string         `json:"eventId"`
	TenantID   string         `json:"tenantId"`
	Type       string         `json:"type"`
	EntityRef  string         `json:"entityRef"` // e.g. "contract:123"
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
	IngestedAt time.Time      `json:"ingestedAt,omitempty"`
}

// Validate rejects events missing required identity fields.
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: event is required", ErrInvalidEvent)
	case e.EventID == "":
		return fmt.Errorf("%w: eventId is required", ErrInvalidEvent)
	case e.TenantID == "":
		return fmt.Errorf("%w: tenantId is required", ErrInvalidEvent)
	case e.Type == "":
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	case e.EntityRef == "":
		return fmt.Errorf("%w: entityRef is required", ErrInvalidEvent)
	}
	return nil
}

// Clone returns a copy with a shallow-copied payload.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Payload != nil {
		cp.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
