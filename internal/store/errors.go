package store

import "errors"

// Sentinel errors shared by every repository. Services wrap them with
// context via fmt.Errorf and %w; transports map them to status codes with
// errors.Is.
var (
	// ErrConflict covers slot overlaps, duplicate exceptions and invalid
	// state transitions.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	// ErrIdempotencyConflict means an idempotency key was replayed with a
	// different request than the one it originally committed.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)
