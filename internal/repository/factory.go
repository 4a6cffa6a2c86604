package repository

import (
	"github.com/scrypster/grimoire/internal/content"
	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

// Factory builds and holds one Repository per entity type, all backed
// by the same store but each bound to its own content source.
type Factory struct {
	repos map[types.EntityType]*Repository
}

// NewFactory wires a repository for every known entity type. Types the
// registry has no provider for still get a cache-only repository.
func NewFactory(store storage.EntityStore, registry *content.Registry, maxResults int) *Factory {
	repos := make(map[types.EntityType]*Repository, len(types.AllEntityTypes))
	for _, entityType := range types.AllEntityTypes {
		var source content.ContentSource
		if registry != nil {
			if src, ok := registry.SourceFor(entityType); ok {
				source = src
			}
		}
		repos[entityType] = New(entityType, store, source, Options{MaxResults: maxResults})
	}
	return &Factory{repos: repos}
}

// For returns the repository serving entityType, or false for an
// unknown type.
func (f *Factory) For(entityType types.EntityType) (*Repository, bool) {
	repo, ok := f.repos[entityType]
	return repo, ok
}

// All returns every repository, one per entity type.
func (f *Factory) All() []*Repository {
	repos := make([]*Repository, 0, len(f.repos))
	for _, entityType := range types.AllEntityTypes {
		repos = append(repos, f.repos[entityType])
	}
	return repos
}
