package models

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrValidation marks requests the caller must fix rather than retry.
	ErrValidation = goerr.New("validation error")

	// ErrDimensionMismatch is a validation error for vectors whose width
	// differs from the configured embedding dimension.
	ErrDimensionMismatch = goerr.Wrap(ErrValidation, "dimension mismatch")

	// ErrConflict marks a uniqueness violation on edge-style rows. It is
	// logged and reported as a false return, not propagated.
	ErrConflict = goerr.New("conflict")

	// ErrCachePersist is returned when a cache mutation could not be
	// written to durable storage. In-memory state is still valid.
	ErrCachePersist = goerr.New("cache persist failed")
)
