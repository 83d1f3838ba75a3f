package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic update kept losing races.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrInFlight is returned when another attempt is still applying the
	// same usage record.
	ErrInFlight = errors.New("usage record in flight")
)
