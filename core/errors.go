package core

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned by session stores when a session id has
// never been written. It is distinct from an I/O failure of the backing
// store, which surfaces as its own error.
var ErrSessionNotFound = errors.New("session not found")

// ConfigError reports missing or invalid node configuration. Configuration
// errors surface from Initialize and are never retried automatically.
type ConfigError struct {
	Field   string // Offending configuration field (may be empty)
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// NewConfigError constructs a ConfigError for a configuration field.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// StateError reports a lifecycle method called in an illegal state, e.g.
// Execute on a node that was never initialized.
type StateError struct {
	Op    string // Attempted operation
	State NodeState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid state %q for operation %q", e.State, e.Op)
}

// TransientError wraps a provider failure that may succeed on retry
// (network errors, rate limits). The node retries these up to its configured
// bound before transitioning to the error state.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or any wrapped cause) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
