package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors distinguishing the failure modes callers react to.
var (
	// ErrUnavailable covers transport and auth failures; retryable.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRateLimited means the provider itself signalled throttling,
	// distinct from local budget exhaustion.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrRateLimitTimeout means the local rate budget wait exceeded the
	// caller's patience.
	ErrRateLimitTimeout = errors.New("rate budget wait timed out")
	// ErrNotFound means the provider has no record for the external id.
	ErrNotFound = errors.New("not found")
)

// Error carries provider and operation context for a failed call.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Provider: provider, Op: op, Err: err}
}
