package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the owning record is locked by a concurrent
	// schedule mutation.
	ErrConflict = errors.New("schedule is being modified by another request")
	// ErrValidation indicates rejected input.
	ErrValidation = errors.New("validation failed")
)
