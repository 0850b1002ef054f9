// Package redis provides a session.Store backed by Redis. Records are stored
// as JSON under a configurable key prefix; no TTL is applied by default since
// eviction is an external storage policy.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/hupe1980/nodemesh/core"
	"github.com/hupe1980/nodemesh/session"
)

// Options configures the Redis store.
type Options struct {
	// Prefix is prepended to every session key.
	Prefix string
	// TTL sets record expiration; zero means no expiration.
	TTL time.Duration
}

// Store implements session.Store on top of a Redis client.
type Store struct {
	client *backend.Client
	opts   Options
}

var _ session.Store = (*Store)(nil)

// New creates a Redis store connecting to the given address.
func New(addr, password string, db int, optFns ...func(o *Options)) *Store {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewFromClient(client, optFns...)
}

// NewFromClient creates a Redis store from an existing client.
func NewFromClient(client *backend.Client, optFns ...func(o *Options)) *Store {
	opts := Options{Prefix: "nodemesh:session:"}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{client: client, opts: opts}
}

func (s *Store) key(sessionID string) string { return s.opts.Prefix + sessionID }

// Get implements session.Store. A missing key maps to core.ErrSessionNotFound;
// any other failure is an I/O error of the backend.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.State, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var state session.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("redis decode session %q: %w", sessionID, err)
	}
	return &state, nil
}

// Set implements session.Store.
func (s *Store) Set(ctx context.Context, sessionID string, state *session.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis encode session %q: %w", sessionID, err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), raw, s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the underlying client connection.
func (s *Store) Close() error { return s.client.Close() }
