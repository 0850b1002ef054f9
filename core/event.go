package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a message bus event.
type EventType string

const (
	// EventStateChange reports a node lifecycle transition ("from"/"to" data keys).
	EventStateChange EventType = "state_change"
	// EventStepChange reports the agent entering a new execution phase ("step").
	EventStepChange EventType = "step_change"
	// EventToolCall reports a tool invocation ("tool", "duration_ms", "error").
	EventToolCall EventType = "tool_call"
	// EventChunk reports a forwarded output chunk ("final").
	EventChunk EventType = "chunk"
	// EventError reports a terminal execution failure ("error").
	EventError EventType = "error"
)

// Event is a progress/telemetry message published on a node's bus. Events are
// best-effort observability data and must never drive execution decisions.
// After publication an event is immutable.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	NodeID    string         `json:"node_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent constructs an event with a fresh id and UTC timestamp.
func NewEvent(t EventType, nodeID string, data map[string]any) Event {
	return Event{
		ID:        NewID(),
		Type:      t,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewID generates a unique identifier for events and invocations.
func NewID() string { return uuid.NewString() }

// MessageBus is an in-process publish/subscribe channel scoped to one node
// instance.
//
// Contract:
//   - Publish never blocks on subscriber processing
//   - Delivery order per subscriber matches publish order
//   - No replay: subscribers added after a message was published never see it
//   - A failing subscriber is isolated and cannot affect the publisher
type MessageBus interface {
	// Publish delivers ev to all current subscribers, best effort.
	Publish(ev Event)

	// Subscribe registers a new observer. The returned cancel function
	// detaches the subscriber and closes its channel.
	Subscribe() (<-chan Event, func())

	// Close detaches all subscribers and closes their channels. Publishing
	// after Close is a no-op.
	Close()
}
