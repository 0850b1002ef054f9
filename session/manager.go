package session

import (
	"context"
	"sync"

	"github.com/hupe1980/nodemesh/logging"
)

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// RecentToolLimit bounds the recently-used-tools log per session.
	RecentToolLimit int
	// Logger receives diagnostic events. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager owns per-session orchestration state on top of an injected Store.
//
// Concurrency contract: updates to the same session id are serialized through
// a per-session lock, so two agent executions racing to report usage are both
// reflected in the final cumulative total. Updates to different session ids
// share no lock and proceed independently.
type Manager struct {
	store  Store
	logger logging.Logger
	limit  int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		RecentToolLimit: DefaultRecentToolLimit,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.RecentToolLimit <= 0 {
		opts.RecentToolLimit = DefaultRecentToolLimit
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Manager{
		store:  store,
		logger: opts.Logger,
		limit:  opts.RecentToolLimit,
		locks:  make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex guarding one session id. The lock map grows
// with the set of sessions seen by this process; reclaiming it is left to
// process lifecycle, matching the no-implicit-eviction storage policy.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// GetState returns the current state for a session id. A session that has
// never been written yields core.ErrSessionNotFound rather than an empty
// record, so callers can distinguish "absent" from "present but zero usage".
func (m *Manager) GetState(ctx context.Context, sessionID string) (*State, error) {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	state, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// UpdateState applies an additive delta to a session, creating the record on
// first write. Usage counters are accumulated (and the total invariant
// re-established), the active step label is replaced when the delta carries
// one, and used tool names are appended to the bounded recent-tools log.
// The updated state is returned.
func (m *Manager) UpdateState(ctx context.Context, sessionID string, delta Delta) (*State, error) {
	l := m.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	state, err := m.store.Get(ctx, sessionID)
	switch {
	case err == nil:
	case isNotFound(err):
		state = &State{}
	default:
		return nil, err
	}

	state.Usage.Add(delta.Usage)
	if delta.ActiveStep != "" {
		state.ActiveStep = delta.ActiveStep
	}
	if len(delta.ToolsUsed) > 0 {
		state.RecentTools = append(state.RecentTools, delta.ToolsUsed...)
		if overflow := len(state.RecentTools) - m.limit; overflow > 0 {
			state.RecentTools = append([]string(nil), state.RecentTools[overflow:]...)
		}
	}

	if err := m.store.Set(ctx, sessionID, state); err != nil {
		return nil, err
	}

	m.logger.Debug("session state updated",
		"session_id", sessionID,
		"active_step", state.ActiveStep,
		"total_tokens", state.Usage.TotalTokens,
	)
	return state.Clone(), nil
}
