package types

import "errors"

// Error taxonomy shared across services.
var (
	// ErrValidation marks a bad parameter: empty content, unknown priority,
	// missing required field.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a lookup against an id that doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrConnectionExhausted marks get_connection() timing out against the pool.
	ErrConnectionExhausted = errors.New("connection pool exhausted")

	// ErrStorage wraps a lower-level database error.
	ErrStorage = errors.New("storage error")
)
