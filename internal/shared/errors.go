package shared

import "errors"

// Error kinds shared by every engine component. Package errors wrap one of
// these with %w so callers can branch with errors.Is.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState indicates the operation is not allowed in the record's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnauthorized indicates the actor lacks a required role.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrValidation indicates bad input or a missing configuration flag.
	ErrValidation = errors.New("validation failed")
	// ErrConcurrentModification indicates the caller lost a row-lock or compare-and-swap race.
	ErrConcurrentModification = errors.New("concurrent modification")
)
