// Package repository implements the cache-aside layer between the MCP
// tool surface and the entity store.
//
// A search first consults the local store. When the store has nothing
// fresh for the requested entity type, the repository fetches from the
// configured content source, normalizes and persists the records, and
// re-runs the query against the store. Concurrent searches that would
// all trigger the same fetch are coalesced so the upstream API sees one
// request per entity type at a time.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/singleflight"

	"github.com/scrypster/grimoire/internal/content"
	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

// SearchRequest is one structured-plus-semantic query against a single
// entity type. RawFilters uses the wire vocabulary (exact keys, _min and
// _max suffixes, list values) and is parsed exactly once, here.
type SearchRequest struct {
	RawFilters    map[string]interface{}
	SemanticQuery string
	Limit         int
	MinScore      float64
}

// SearchResult carries the matched entities plus degradation state.
// Degraded is set when an upstream refresh failed and the results come
// from a stale cache.
type SearchResult struct {
	Entities []types.Entity
	Degraded bool
	Warning  string
}

// Repository serves one entity type with cache-aside semantics.
type Repository struct {
	entityType types.EntityType
	store      storage.EntityStore
	source     content.ContentSource
	maxResults int

	fetches *singleflight.Group
}

// Options configure a Repository. MaxResults caps the per-request
// limit; freshness windows live on the store itself.
type Options struct {
	MaxResults int
}

func (o *Options) normalize() {
	if o.MaxResults <= 0 {
		o.MaxResults = 100
	}
}

// New builds a Repository for one entity type. The source may be nil,
// in which case the repository is cache-only and misses surface as
// empty results or fetch errors.
func New(entityType types.EntityType, store storage.EntityStore, source content.ContentSource, opts Options) *Repository {
	opts.normalize()
	return &Repository{
		entityType: entityType,
		store:      store,
		source:     source,
		maxResults: opts.MaxResults,
		fetches:    new(singleflight.Group),
	}
}

// EntityType returns the entity type this repository serves.
func (r *Repository) EntityType() types.EntityType { return r.entityType }

// Search answers a query with cache-aside semantics: serve from the
// store when it holds fresh rows for this type, otherwise refresh from
// the content source first. A failed refresh over a non-empty cache
// degrades to stale results; over an empty cache it is a hard error.
func (r *Repository) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	filters, err := storage.ParseFilters(req.RawFilters)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{}

	stats, err := r.store.Stats(ctx, r.entityType)
	if err != nil {
		return nil, err
	}
	if stats.Total == 0 || stats.Fresh == 0 {
		if fetchErr := r.refresh(ctx, filters); fetchErr != nil {
			if stats.Total == 0 {
				return nil, fetchErr
			}
			result.Degraded = true
			result.Warning = fmt.Sprintf("upstream refresh failed, serving cached %s data: %v", r.entityType, fetchErr)
			log.Printf("repository: %s refresh failed, serving stale cache: %v", r.entityType, fetchErr)
		}
	}

	entities, err := r.query(ctx, req, filters)
	if err != nil {
		return nil, err
	}
	result.Entities = entities
	return result, nil
}

func (r *Repository) query(ctx context.Context, req SearchRequest, filters storage.Filters) ([]types.Entity, error) {
	limit := req.Limit
	if limit <= 0 || limit > r.maxResults {
		limit = r.maxResults
	}

	if req.SemanticQuery != "" {
		opts := storage.SearchOptions{Limit: limit, MinScore: req.MinScore}
		return r.store.SemanticSearch(ctx, r.entityType, req.SemanticQuery, filters, opts)
	}

	entities, err := r.store.Query(ctx, r.entityType, filters)
	if err != nil {
		return nil, err
	}
	if len(entities) > limit {
		entities = entities[:limit]
	}
	return entities, nil
}

// refresh fetches from the content source and persists the normalized
// records. Concurrent callers for the same entity type share a single
// in-flight fetch; each waiter honors its own context, and the shared
// fetch runs detached so one cancelled waiter cannot fail the rest.
// The fetch passes the caller's filters through so providers that
// support server-side filtering narrow the transfer; the store still
// applies the full filter semantics afterwards.
func (r *Repository) refresh(ctx context.Context, filters storage.Filters) error {
	if r.source == nil {
		return fmt.Errorf("%w: no content source configured for %s", content.ErrNoSource, r.entityType)
	}

	ch := r.fetches.DoChan(string(r.entityType), func() (interface{}, error) {
		// The fetch is shared by every coalesced waiter, so it must not
		// die with the caller that happened to trigger it. The HTTP
		// client timeout still bounds the detached request.
		fetchCtx := context.WithoutCancel(ctx)

		records, err := r.source.Fetch(fetchCtx, r.entityType, filters)
		if err != nil {
			return nil, err
		}

		entities := make([]types.Entity, 0, len(records))
		for _, record := range records {
			entity, err := NormalizeRecord(r.entityType, record, r.source.Name())
			if err != nil {
				log.Printf("repository: skipping malformed %s record: %v", r.entityType, err)
				continue
			}
			entities = append(entities, entity)
		}
		if len(entities) == 0 {
			return nil, nil
		}

		written, err := r.store.UpsertMany(fetchCtx, r.entityType, entities)
		if err != nil {
			return nil, err
		}
		log.Printf("repository: cached %d %s entities from %s", written, r.entityType, r.source.Name())
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Get serves a single entity by slug from the store only. Lookups do
// not trigger a refresh; a miss is a miss.
func (r *Repository) Get(ctx context.Context, slug string) (*types.Entity, error) {
	return r.store.Get(ctx, r.entityType, slug)
}

// Stats reports cache population and freshness for this entity type.
func (r *Repository) Stats(ctx context.Context) (storage.TypeStats, error) {
	return r.store.Stats(ctx, r.entityType)
}

// Clear drops all cached entities of this type.
func (r *Repository) Clear(ctx context.Context) error {
	return r.store.Clear(ctx, r.entityType)
}

// IsValidationError reports whether err stems from malformed caller
// input rather than an infrastructure failure.
func IsValidationError(err error) bool {
	return errors.Is(err, storage.ErrInvalidFilter) || errors.Is(err, storage.ErrInvalidInput)
}
