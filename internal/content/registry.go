package content

import (
	"context"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/scrypster/grimoire/pkg/types"
)

// Registry resolves entity types to their content sources. It is built
// from a sources.yaml file (or the built-in defaults) and can hot-reload
// when the file changes, so adding a provider does not need a restart.
//
// When several providers serve the same entity type, the first one in
// the config wins; later entries are fallback documentation only.
type Registry struct {
	path string
	opts ClientOptions

	mu      sync.RWMutex
	sources map[types.EntityType]ContentSource
}

// NewRegistry builds a registry from the config at path, or from
// DefaultSources when path is empty.
func NewRegistry(path string, opts ClientOptions) (*Registry, error) {
	r := &Registry{path: path, opts: opts}

	cfg, err := r.load()
	if err != nil {
		return nil, err
	}
	r.apply(cfg)

	return r, nil
}

func (r *Registry) load() (*SourcesConfig, error) {
	if r.path == "" {
		return DefaultSources(), nil
	}
	return LoadSources(r.path)
}

func (r *Registry) apply(cfg *SourcesConfig) {
	sources := make(map[types.EntityType]ContentSource)
	for _, provider := range cfg.Providers {
		client := NewHTTPSource(provider, r.opts)
		for typeName := range provider.Endpoints {
			entityType := types.EntityType(typeName)
			if _, taken := sources[entityType]; !taken {
				sources[entityType] = client
			}
		}
	}

	r.mu.Lock()
	r.sources = sources
	r.mu.Unlock()
}

// SourceFor returns the content source serving entityType, or false
// when no configured provider serves it.
func (r *Registry) SourceFor(entityType types.EntityType) (ContentSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[entityType]
	return src, ok
}

// Reload re-reads the config file and swaps the source table. A config
// that fails to load keeps the previous table in place.
func (r *Registry) Reload() error {
	cfg, err := r.load()
	if err != nil {
		return err
	}
	r.apply(cfg)
	return nil
}

// Watch reloads the registry whenever the sources file changes, until
// ctx is cancelled. It is a no-op when the registry runs on built-in
// defaults. Editors that replace-on-save emit Create rather than Write,
// so both ops trigger a reload.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory, not the file: replace-on-save breaks a
	// direct file watch after the first event.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		target := filepath.Clean(r.path)

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.Reload(); err != nil {
					log.Printf("content: sources reload failed (keeping previous config): %v", err)
					continue
				}
				log.Printf("content: reloaded sources config from %s", r.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("content: sources watcher error: %v", err)
			}
		}
	}()

	log.Printf("content: watching %s for provider changes", r.path)
	return nil
}
