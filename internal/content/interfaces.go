// Package content provides the upstream content-API collaborators: a
// YAML-configured provider registry, an HTTP client with rate limiting,
// and the translation from cache filters to provider query parameters.
package content

import (
	"context"
	"errors"

	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

// ErrFetchFailed wraps upstream failures (network, timeout, provider
// errors). It is distinguishable from a successful fetch with zero
// results, which returns an empty slice and a nil error.
var ErrFetchFailed = errors.New("content fetch failed")

// ErrNoSource indicates that no configured provider serves the
// requested entity type.
var ErrNoSource = errors.New("no content source for entity type")

// RawRecord is one undecoded provider record. The Repository normalizes
// these into cache entities; the content package never interprets them
// beyond JSON decoding.
type RawRecord map[string]interface{}

// ContentSource fetches raw records for one entity type from an
// upstream provider. Filters are translated to provider-specific query
// parameters on a best-effort basis: filters the provider cannot
// express are simply not pushed upstream (the cache applies them
// locally after the write-through).
type ContentSource interface {
	// Fetch retrieves records for entityType. A provider error returns
	// an error wrapping ErrFetchFailed; zero matching records is a
	// successful empty result.
	Fetch(ctx context.Context, entityType types.EntityType, filters storage.Filters) ([]RawRecord, error)

	// Name identifies the provider for provenance (Entity.SourceAPI).
	Name() string
}
