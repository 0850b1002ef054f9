package session

import (
	"context"
	"errors"

	"github.com/hupe1980/nodemesh/core"
)

// DefaultRecentToolLimit bounds the recently-used-tools log per session.
const DefaultRecentToolLimit = 16

// State is the per-session orchestration record. Usage fields are
// monotonically non-decreasing; TotalTokens always equals
// PromptTokens + CompletionTokens (maintained by the Manager, never by
// callers). RecentTools is a bounded insertion-order append log; duplicate
// names are kept so the log reflects actual call order.
type State struct {
	// ActiveStep is a free-text label for the agent's current phase.
	ActiveStep string `json:"active_step"`
	// RecentTools holds the most recently invoked tool names, oldest first.
	RecentTools []string `json:"recent_tools"`
	// Usage is the cumulative token usage across all executions.
	Usage core.TokenUsage `json:"usage"`
}

// Clone returns a deep copy safe for independent mutation.
func (s *State) Clone() *State {
	clone := &State{ActiveStep: s.ActiveStep, Usage: s.Usage}
	if s.RecentTools != nil {
		clone.RecentTools = make([]string, len(s.RecentTools))
		copy(clone.RecentTools, s.RecentTools)
	}
	return clone
}

// Delta is one additive update applied by Manager.UpdateState. Usage is added
// to the cumulative counters; ActiveStep replaces the current step label when
// non-empty; ToolsUsed is appended to the recent-tools log.
type Delta struct {
	ActiveStep string          `json:"active_step,omitempty"`
	ToolsUsed  []string        `json:"tools_used,omitempty"`
	Usage      core.TokenUsage `json:"usage"`
}

// Store persists session state records keyed by session id.
//
// Get must return core.ErrSessionNotFound for a session id that has never
// been written; any other error indicates an I/O failure of the backend and
// is surfaced to the caller as recoverable. Stores are never asked to delete:
// eviction/TTL is an external storage policy.
type Store interface {
	Get(ctx context.Context, sessionID string) (*State, error)
	Set(ctx context.Context, sessionID string, state *State) error
}

// isNotFound reports whether err means the session was never written.
func isNotFound(err error) bool { return errors.Is(err, core.ErrSessionNotFound) }
