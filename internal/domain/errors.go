package domain

import "errors"

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing backend record.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a backend uniqueness rejection (duplicate batch number).
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized marks a missing or expired auth token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTransition marks a batch action that is not legal in the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRetryExhausted marks a bounded retry loop that ran out of attempts.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)
