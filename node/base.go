package node

import (
	"sync"

	"github.com/hupe1980/nodemesh/core"
)

// BaseNode bundles identity, immutable metadata, the guarded lifecycle state
// and message bus attachment shared by all node implementations. Embed it in
// concrete nodes and supply the lifecycle methods to satisfy core.Node.
// All exported methods are goroutine-safe.
type BaseNode struct {
	id       string
	nodeType string
	metadata core.NodeMetadata

	mu    sync.Mutex
	state core.NodeState
	bus   core.MessageBus
}

// NewBaseNode constructs a BaseNode in the created state.
func NewBaseNode(id, nodeType string, metadata core.NodeMetadata) BaseNode {
	return BaseNode{
		id:       id,
		nodeType: nodeType,
		metadata: metadata,
		state:    core.StateCreated,
	}
}

// ID returns the caller-assigned instance identifier.
func (b *BaseNode) ID() string { return b.id }

// Type returns the node subtype discriminator.
func (b *BaseNode) Type() string { return b.nodeType }

// Metadata returns the immutable descriptor for this node type.
func (b *BaseNode) Metadata() core.NodeMetadata { return b.metadata }

// State returns the current lifecycle state.
func (b *BaseNode) State() core.NodeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetMessageBus attaches (or replaces) the progress event bus. Reattachment
// replaces, never merges; a nil bus detaches.
func (b *BaseNode) SetMessageBus(bus core.MessageBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bus = bus
}

// transition moves the state machine to next, publishing a state change
// event. An illegal transition yields a *core.StateError naming op.
func (b *BaseNode) transition(next core.NodeState, op string) error {
	b.mu.Lock()
	from := b.state
	if !from.CanTransition(next) {
		b.mu.Unlock()
		return &core.StateError{Op: op, State: from}
	}
	b.state = next
	bus := b.bus
	b.mu.Unlock()

	if bus != nil {
		bus.Publish(core.NewEvent(core.EventStateChange, b.id, map[string]any{
			"from": string(from),
			"to":   string(next),
		}))
	}
	return nil
}

// publish emits ev on the attached bus. Without a bus the event is lost, not
// buffered.
func (b *BaseNode) publish(ev core.Event) {
	b.mu.Lock()
	bus := b.bus
	b.mu.Unlock()
	if bus != nil {
		bus.Publish(ev)
	}
}

// detachBus removes and returns the attached bus, if any.
func (b *BaseNode) detachBus() core.MessageBus {
	b.mu.Lock()
	defer b.mu.Unlock()
	bus := b.bus
	b.bus = nil
	return bus
}
