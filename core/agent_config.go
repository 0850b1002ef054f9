package core

import "time"

// AgentConfig is the fully-resolved configuration of an agent node, typically
// produced by a config.Loader from a template plus optional credential. It is
// treated as immutable once handed to a node.
type AgentConfig struct {
	// Name identifies the agent in prompts and telemetry.
	Name string `json:"name" yaml:"name"`
	// Instruction is the system prompt; may contain template markers resolved
	// by the loader.
	Instruction string `json:"instruction" yaml:"instruction"`
	// Provider names the model provider ("openai", "anthropic", "mock", ...).
	Provider string `json:"provider" yaml:"provider"`
	// Model is the provider-specific model identifier.
	Model string `json:"model" yaml:"model"`
	// Nodes lists the node-type names whose tools the agent may call. Names
	// with no registered tools resolve to an empty set, not an error.
	Nodes []string `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	// Credential is an optional provider credential supplied at load time.
	// Never serialized.
	Credential string `json:"-" yaml:"-"`

	// Execution policy.
	AutoStart  bool          `json:"auto_start,omitempty" yaml:"auto_start,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
}

// Validate reports the first missing required field as a *ConfigError.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return NewConfigError("name", "agent name is required")
	}
	if c.Provider == "" {
		return NewConfigError("provider", "model provider is required")
	}
	if c.Model == "" {
		return NewConfigError("model", "model identifier is required")
	}
	if c.MaxRetries < 0 {
		return NewConfigError("max_retries", "must not be negative")
	}
	if c.RetryDelay < 0 {
		return NewConfigError("retry_delay", "must not be negative")
	}
	return nil
}
