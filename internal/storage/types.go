package storage

import (
	"errors"
	"time"

	"github.com/scrypster/grimoire/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidFilter indicates that the caller supplied a filter set
	// that violates the filter vocabulary (e.g. exact and range
	// conditions for the same attribute). Surfaced before any I/O.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrStoreUnavailable indicates that the persistence engine itself
	// failed. Fatal to the current request; not locally recoverable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDimensionMismatch indicates an embedding whose dimensionality
	// differs from the one fixed for the store's lifetime.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// SearchOptions provides options for semantic search operations.
type SearchOptions struct {
	// Limit is the maximum number of results to return (default: 10, max: 100).
	Limit int

	// MinScore is the minimum cosine similarity (0.0 to 1.0) a candidate
	// needs to be included. Zero keeps every scored candidate.
	MinScore float64
}

// Normalize applies defaults and clamps the SearchOptions. Out-of-range
// limits are clamped, never rejected.
func (o *SearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}

	if o.Limit > 100 {
		o.Limit = 100
	}

	if o.MinScore < 0.0 {
		o.MinScore = 0.0
	}

	if o.MinScore > 1.0 {
		o.MinScore = 1.0
	}
}

// TypeStats summarizes the cache population for one entity type.
// The Repository uses it to decide whether a fallback fetch is needed:
// Total == 0 means the slice has never been populated, Fresh == 0 means
// everything in it has aged past its TTL.
type TypeStats struct {
	EntityType types.EntityType `json:"entity_type"`
	Total      int              `json:"total"`
	Fresh      int              `json:"fresh"`
	OldestAt   *time.Time       `json:"oldest_at,omitempty"`
	NewestAt   *time.Time       `json:"newest_at,omitempty"`
}
