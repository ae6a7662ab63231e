package models

import "errors"

// Error kinds shared across the engine. Callers classify with errors.Is;
// httpapi maps them to status codes (400, 404, 409, 503).
var (
	// ErrValidation is returned for missing or invalid input, before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced task, project, user, or org does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a state-transition guard fails or a concurrent
	// caller won a race. Callers should refresh and retry.
	ErrConflict = errors.New("conflict")

	// ErrPersistence is returned when the store rejects a write; retryable.
	ErrPersistence = errors.New("persistence failure")
)
