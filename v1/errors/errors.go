package errors

import "errors"

var (
	// ErrTimeout is returned when a backend call exceeds its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is returned when the backend client was closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCircuitOpen is returned by a Breaker store while its backend is
	// considered unhealthy.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrDuplicateKey is returned when registering a lock key that already exists.
	ErrDuplicateKey = errors.New("lock key already registered")
	// ErrUnknownKey is returned when operating on a lock key that was never registered.
	ErrUnknownKey = errors.New("lock key not registered")
	// ErrAlreadyHeld is returned when a lock is acquired or checked while held.
	ErrAlreadyHeld = errors.New("lock already held")
	// ErrInvalidPolicy is returned for negative rate limit windows or counts.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
)
