package core

// NodeState is the lifecycle state of a running node instance. The state is
// mutated only by the node's own lifecycle methods, never externally.
type NodeState string

const (
	// StateCreated is the initial state of a freshly constructed node.
	StateCreated NodeState = "created"
	// StateInitializing is the transient state during Initialize.
	StateInitializing NodeState = "initializing"
	// StateReady means the node can accept an Execute call.
	StateReady NodeState = "ready"
	// StateRunning means an Execute invocation is in flight.
	StateRunning NodeState = "running"
	// StatePaused means downstream chunk forwarding is gated.
	StatePaused NodeState = "paused"
	// StateFailed is terminal for this instance; callers reconstruct a fresh
	// node to retry. The state name stays "error" for observers.
	StateFailed NodeState = "error"
	// StateStopped is terminal; resources have been released.
	StateStopped NodeState = "stopped"
)

// Terminal reports whether no further transitions are possible from s.
func (s NodeState) Terminal() bool { return s == StateFailed || s == StateStopped }

// transitions is the closed set of legal state changes. Stop is legal from
// every non-terminal state; error is reachable from initializing and running.
var transitions = map[NodeState][]NodeState{
	StateCreated:      {StateInitializing, StateStopped},
	StateInitializing: {StateReady, StateFailed, StateStopped},
	StateReady:        {StateRunning, StateStopped},
	StateRunning:      {StateReady, StatePaused, StateFailed, StateStopped},
	StatePaused:       {StateRunning, StateStopped},
}

// CanTransition reports whether moving from s to next is legal.
func (s NodeState) CanTransition(next NodeState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// String returns the state name.
func (s NodeState) String() string { return string(s) }
