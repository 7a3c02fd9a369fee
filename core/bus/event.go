// Package bus implements the reactive core: a durable, namespaced,
// per-(event, handler) claim/ack queue that drives handlers and scheduled
// work. Storage is backend-provided through the Store contract; this package
// owns the envelope, the claim state machine, the retry policy and the loop.
package bus

import (
	"time"

	"github.com/google/uuid"

	"github.com/lexiupon/ontologia/core/repository"
)

// DeadLetterEventType is the type of the synthetic audit event enqueued when
// a claim dead-letters.
const DeadLetterEventType = "event.dead_letter"

// DefaultPriority is the priority assigned to events that do not set one.
// Higher priorities are consumed earlier.
const DefaultPriority = 100

// Event is a typed message with a user-defined payload and the delivery
// envelope. Root events carry ChainDepth 0 and RootEventID equal to their
// own ID; derived events inherit the parent's RootEventID and increment the
// depth.
type Event struct {
	ID          string         `json:"id"`
	Namespace   string         `json:"namespace"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Priority    int            `json:"priority"`
	RootEventID string         `json:"root_event_id"`
	ChainDepth  int            `json:"chain_depth"`
}

// NewRootEvent builds a root event: fresh id, depth zero, its own lineage
// root.
func NewRootEvent(namespace, eventType string, payload map[string]any) Event {
	id := uuid.NewString()
	return Event{
		ID:          id,
		Namespace:   namespace,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
		Priority:    DefaultPriority,
		RootEventID: id,
		ChainDepth:  0,
	}
}

// Derive builds an event emitted from within a handler processing parent:
// lineage is inherited and the chain depth incremented. Emission beyond
// maxChainDepth is rejected with an EventLoopLimit error.
func Derive(parent Event, eventType string, payload map[string]any, maxChainDepth int) (Event, error) {
	depth := parent.ChainDepth + 1
	if depth > maxChainDepth {
		return Event{}, repository.NewErrorf(repository.KindEventLoopLimit,
			"derived event %s exceeds max chain depth %d", eventType, maxChainDepth).
			WithDetails(map[string]any{
				"parent_event_id": parent.ID,
				"root_event_id":   parent.RootEventID,
				"chain_depth":     depth,
			})
	}
	return Event{
		ID:          uuid.NewString(),
		Namespace:   parent.Namespace,
		Type:        eventType,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
		Priority:    DefaultPriority,
		RootEventID: parent.RootEventID,
		ChainDepth:  depth,
	}, nil
}

// DeadLetterEvent builds the synthetic audit event for a dead-lettered
// claim. Lineage is preserved: the audit event belongs to the failed event's
// chain so loop detection keeps working downstream.
func DeadLetterEvent(failed Event, handlerID string, attempts int, lastError string) Event {
	return Event{
		ID:        uuid.NewString(),
		Namespace: failed.Namespace,
		Type:      DeadLetterEventType,
		Payload: map[string]any{
			"event_id":   failed.ID,
			"event_type": failed.Type,
			"handler_id": handlerID,
			"attempts":   attempts,
			"last_error": lastError,
		},
		CreatedAt:   time.Now().UTC(),
		Priority:    DefaultPriority,
		RootEventID: failed.RootEventID,
		ChainDepth:  failed.ChainDepth + 1,
	}
}
