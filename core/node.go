package core

import "context"

// NodeCategory classifies a node implementation. The set is closed; custom
// node kinds registered by host applications use CategoryCustom.
type NodeCategory string

const (
	// CategoryCore marks node types shipped with the engine.
	CategoryCore NodeCategory = "core"
	// CategoryCustom marks host-registered node types.
	CategoryCustom NodeCategory = "custom"
)

// CompatibilityFlags indicate eligibility of a node type for the supported
// deployment tiers. The flags are independent of each other.
type CompatibilityFlags struct {
	Cloud    bool `json:"cloud"`
	SelfHost bool `json:"self_host"`
	Desktop  bool `json:"desktop"`
}

// NodePort describes a single input or output of a node type. Ports drive
// configuration validation and default filling; the engine itself never
// interprets Schema.
type NodePort struct {
	// ID is unique within the owning node type.
	ID string `json:"id" yaml:"id"`
	// Type is a declared value type tag ("string", "number", ...), not a Go type.
	Type string `json:"type" yaml:"type"`
	// Label is a human-readable port name.
	Label string `json:"label" yaml:"label"`
	// Schema is an opaque JSON-Schema-like payload for hosts that validate
	// port values themselves.
	Schema map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	// Required marks the port as mandatory for node configuration.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`
	// Default is filled in when the port value is absent.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`
}

// NodeMetadata is the immutable descriptor a node type declares about itself.
// It is owned by the declaring node implementation and must never be mutated
// after construction.
type NodeMetadata struct {
	Category    NodeCategory       `json:"category"`
	Label       string             `json:"label"`
	Description string             `json:"description"`
	Inputs      []NodePort         `json:"inputs"`
	Outputs     []NodePort         `json:"outputs"`
	Version     string             `json:"version"`
	Compat      CompatibilityFlags `json:"compat"`
}

// Input is the unit of work handed to Node.Execute. SessionID scopes usage
// accounting and step tracking to a conversation.
type Input struct {
	SessionID string  `json:"session_id"`
	Content   Content `json:"content"`
}

// Node is the capability unit every engine feature implements. A node is
// created by the caller, prepared once via Initialize, executed one or more
// times and finally released via Cleanup.
//
// Implementations must:
//   - Fail Initialize with a *ConfigError when required configuration is
//     missing or a dependency cannot be reached
//   - Keep Cleanup safe to call at any point, including after a failed
//     Initialize
//   - Treat SetMessageBus as replacement (at most one bus attached at a
//     time); publishing before attachment is a silent no-op
//   - Respect context cancellation in Execute
type Node interface {
	// ID returns the caller-assigned instance identifier.
	ID() string

	// Type returns the node subtype discriminator (e.g. "agent").
	Type() string

	// Metadata returns the immutable descriptor for this node type.
	Metadata() NodeMetadata

	// Initialize prepares node-specific resources. It must be called once
	// before the first Execute.
	Initialize(ctx context.Context) error

	// Execute performs the node's unit of work and streams result chunks.
	// Each call produces a fresh, finite stream; the channel is closed when
	// the invocation completes, fails or is stopped.
	Execute(ctx context.Context, input Input) (<-chan OutputChunk, error)

	// Cleanup releases resources held by the node.
	Cleanup() error

	// SetMessageBus attaches (or replaces) the progress event bus.
	SetMessageBus(bus MessageBus)
}

// OutputChunk is one element of an Execute stream. A chunk either carries
// content (possibly partial), a terminal error, or the final marker with the
// invocation's reported token usage.
type OutputChunk struct {
	Content Content     `json:"content"`
	Final   bool        `json:"final"`
	Usage   *TokenUsage `json:"usage,omitempty"`
	Err     error       `json:"-"`
}
