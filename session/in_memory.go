package session

import (
	"context"
	"sync"

	"github.com/hupe1980/nodemesh/core"
)

// InMemoryStore is a volatile Store implementation keeping session records in
// a process-local map. It is safe for concurrent access and best suited for
// tests or ephemeral demo deployments. Records are cloned on both read and
// write so callers can never mutate internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*State)}
}

// Get returns a clone of the stored record or core.ErrSessionNotFound.
func (s *InMemoryStore) Get(_ context.Context, sessionID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return state.Clone(), nil
}

// Set stores a clone of the provided record.
func (s *InMemoryStore) Set(_ context.Context, sessionID string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = state.Clone()
	return nil
}
