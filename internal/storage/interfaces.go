// Package storage provides composable storage interfaces for the Grimoire
// entity cache.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. EntityStore is the core
// contract; the sqlite and postgres subpackages provide the two backends.
package storage

import (
	"context"

	"github.com/scrypster/grimoire/pkg/types"
)

// EntityStore is the persistent cache engine for normalized entities.
//
// Entities are partitioned by entity type and keyed by slug within a
// type. Writes replace whole records (upsert), reads are either purely
// structured (Query) or hybrid structured + semantic (SemanticSearch).
//
// Implementations must make concurrent reads-during-writes safe: a read
// observes either the pre-upsert or post-upsert state for a given slug,
// never a torn intermediate.
type EntityStore interface {
	// UpsertMany writes a batch of entities for one entity type.
	// Within the batch the last occurrence of a slug wins. Entities
	// whose embedding cannot be generated are stored without one (the
	// failure is logged, not fatal). The batch is applied atomically:
	// either every surviving entity is persisted or none is.
	// Returns the number of entities written after dedup.
	UpsertMany(ctx context.Context, entityType types.EntityType, entities []types.Entity) (int, error)

	// Query performs structured-only retrieval. Results are in stable
	// slug order; no relevance ranking is implied.
	Query(ctx context.Context, entityType types.EntityType, filters Filters) ([]types.Entity, error)

	// SemanticSearch embeds queryText, restricts candidates to those
	// matching filters (same semantics as Query), ranks the survivors by
	// cosine similarity to the query vector (highest first), and returns
	// the top opts.Limit. Entities without an embedding cannot be scored
	// and are excluded.
	SemanticSearch(ctx context.Context, entityType types.EntityType, queryText string, filters Filters, opts SearchOptions) ([]types.Entity, error)

	// Get retrieves a single entity by slug.
	// Returns ErrNotFound if no such entity exists.
	Get(ctx context.Context, entityType types.EntityType, slug string) (*types.Entity, error)

	// Stats reports population and freshness counts for one entity type.
	Stats(ctx context.Context, entityType types.EntityType) (TypeStats, error)

	// Clear removes all entities of one type. Intended for tests and
	// administrative reset, not for normal request handling.
	Clear(ctx context.Context, entityType types.EntityType) error

	// ClearAll removes all entities of every type.
	ClearAll(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
