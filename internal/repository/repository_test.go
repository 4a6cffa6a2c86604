package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/grimoire/internal/content"
	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

// fakeStore is an in-memory EntityStore that records calls. Filters are
// ignored on reads; filter semantics are covered by the backend tests.
type fakeStore struct {
	mu       sync.Mutex
	entities map[string]types.Entity
	staleAll bool // report Fresh == 0 regardless of contents

	upsertCalls   int
	semanticCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: make(map[string]types.Entity)}
}

func (f *fakeStore) UpsertMany(ctx context.Context, entityType types.EntityType, entities []types.Entity) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	for _, e := range entities {
		f.entities[e.Slug] = e
	}
	f.staleAll = false
	return len(entities), nil
}

func (f *fakeStore) Query(ctx context.Context, entityType types.EntityType, filters storage.Filters) ([]types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Entity, 0, len(f.entities))
	for _, e := range f.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (f *fakeStore) SemanticSearch(ctx context.Context, entityType types.EntityType, queryText string, filters storage.Filters, opts storage.SearchOptions) ([]types.Entity, error) {
	f.mu.Lock()
	f.semanticCalls++
	f.mu.Unlock()
	return f.Query(ctx, entityType, filters)
}

func (f *fakeStore) Get(ctx context.Context, entityType types.EntityType, slug string) (*types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entities[slug]; ok {
		return &e, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) Stats(ctx context.Context, entityType types.EntityType) (storage.TypeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := storage.TypeStats{EntityType: entityType, Total: len(f.entities), Fresh: len(f.entities)}
	if f.staleAll {
		stats.Fresh = 0
	}
	return stats, nil
}

func (f *fakeStore) Clear(ctx context.Context, entityType types.EntityType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities = make(map[string]types.Entity)
	return nil
}

func (f *fakeStore) ClearAll(ctx context.Context) error { return f.Clear(ctx, "") }
func (f *fakeStore) Close() error                       { return nil }

var _ storage.EntityStore = (*fakeStore)(nil)

// fakeSource serves canned records and counts Fetch calls. When gate is
// set, Fetch blocks until the gate closes, letting tests pile up
// concurrent callers.
type fakeSource struct {
	mu      sync.Mutex
	records []content.RawRecord
	err     error
	calls   int
	gate    chan struct{}
	started chan struct{} // closed on first Fetch entry
	once    sync.Once
}

func (f *fakeSource) Fetch(ctx context.Context, entityType types.EntityType, filters storage.Filters) ([]content.RawRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func (f *fakeSource) Name() string { return "fake-source" }

func (f *fakeSource) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func spellRecord(slug, name string, level int) content.RawRecord {
	return content.RawRecord{
		"slug":      slug,
		"name":      name,
		"level_int": float64(level),
		"desc":      name + " does things.",
	}
}

func seedStore(store *fakeStore, slugs ...string) {
	for _, slug := range slugs {
		store.entities[slug] = types.Entity{
			EntityType: types.TypeSpell,
			Slug:       slug,
			Name:       slug,
			StoredAt:   time.Now().UTC(),
		}
	}
}

func TestSearchServesFromFreshCache(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "fireball", "shield")
	source := &fakeSource{}
	repo := New(types.TypeSpell, store, source, Options{})

	res, err := repo.Search(context.Background(), SearchRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Entities, 2)
	assert.False(t, res.Degraded)
	assert.Zero(t, source.fetchCalls(), "fresh cache must not trigger a fetch")
}

func TestSearchFallbackOnEmptyCache(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{records: []content.RawRecord{
		spellRecord("fireball", "Fireball", 3),
		spellRecord("shield", "Shield", 1),
	}}
	repo := New(types.TypeSpell, store, source, Options{})

	res, err := repo.Search(context.Background(), SearchRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Entities, 2)
	assert.Equal(t, 1, source.fetchCalls())
	assert.Equal(t, 1, store.upsertCalls, "fetched records must be written through")
	assert.False(t, res.Degraded)
}

func TestSearchFallbackWhenAllStale(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "fireball")
	store.staleAll = true
	source := &fakeSource{records: []content.RawRecord{
		spellRecord("fireball", "Fireball", 3),
	}}
	repo := New(types.TypeSpell, store, source, Options{})

	res, err := repo.Search(context.Background(), SearchRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, source.fetchCalls(), "stale cache must refresh")
	assert.False(t, res.Degraded)
}

func TestSearchFetchFailureOverEmptyCacheIsHardError(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{err: content.ErrFetchFailed}
	repo := New(types.TypeSpell, store, source, Options{})

	_, err := repo.Search(context.Background(), SearchRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, content.ErrFetchFailed)
}

func TestSearchFetchFailureOverStaleCacheDegrades(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "fireball")
	store.staleAll = true
	source := &fakeSource{err: content.ErrFetchFailed}
	repo := New(types.TypeSpell, store, source, Options{})

	res, err := repo.Search(context.Background(), SearchRequest{})
	require.NoError(t, err, "stale data beats no data")
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Warning)
	assert.Len(t, res.Entities, 1)
}

func TestSearchNoSourceConfigured(t *testing.T) {
	store := newFakeStore()
	repo := New(types.TypeSpell, store, nil, Options{})

	_, err := repo.Search(context.Background(), SearchRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, content.ErrNoSource)
}

func TestSearchInvalidFiltersRejectedBeforeIO(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{}
	repo := New(types.TypeSpell, store, source, Options{})

	_, err := repo.Search(context.Background(), SearchRequest{
		RawFilters: map[string]interface{}{
			"level":     float64(3),
			"level_min": float64(1),
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidFilter)
	assert.True(t, IsValidationError(err))
	assert.Zero(t, source.fetchCalls(), "validation failures must not reach the network")
}

// Attribute names are embedded in store-side JSON paths; a malformed
// name must be rejected at parse time, before Stats or any fetch.
func TestSearchRejectsMalformedAttributeName(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{}
	repo := New(types.TypeSpell, store, source, Options{})

	_, err := repo.Search(context.Background(), SearchRequest{
		RawFilters: map[string]interface{}{
			"level') OR 1=1 --": float64(3),
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidFilter)
	assert.True(t, IsValidationError(err))
	assert.Zero(t, source.fetchCalls(), "validation failures must not reach the network")
}

func TestSearchLimitClamped(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "a", "b", "c", "d")
	repo := New(types.TypeSpell, store, &fakeSource{}, Options{MaxResults: 3})

	res, err := repo.Search(context.Background(), SearchRequest{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Entities, 2)

	res, err = repo.Search(context.Background(), SearchRequest{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, res.Entities, 3, "limit above MaxResults is clamped")

	res, err = repo.Search(context.Background(), SearchRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Entities, 3, "zero limit falls back to MaxResults")
}

func TestSearchSemanticQueryDelegates(t *testing.T) {
	store := newFakeStore()
	seedStore(store, "fireball")
	repo := New(types.TypeSpell, store, &fakeSource{}, Options{})

	_, err := repo.Search(context.Background(), SearchRequest{SemanticQuery: "fire damage"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.semanticCalls)
}

// Concurrent searches over an empty cache must share one upstream fetch.
func TestConcurrentFallbackCoalesced(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{
		records: []content.RawRecord{spellRecord("fireball", "Fireball", 3)},
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	repo := New(types.TypeSpell, store, source, Options{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.Search(context.Background(), SearchRequest{})
		}(i)
	}

	// Hold the first fetch open until every caller has had a chance to
	// join the in-flight call, then release.
	<-source.started
	time.Sleep(50 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 1, source.fetchCalls(), "concurrent fallbacks must coalesce to one fetch")
}

// A waiter that coalesced onto someone else's fetch must survive that
// caller abandoning it: the shared fetch runs detached and each caller
// only honors its own context.
func TestCancelledCallerDoesNotFailCoalescedWaiters(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{
		records: []content.RawRecord{spellRecord("fireball", "Fireball", 3)},
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	repo := New(types.TypeSpell, store, source, Options{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := repo.Search(firstCtx, SearchRequest{})
		firstErr <- err
	}()
	<-source.started

	type outcome struct {
		res *SearchResult
		err error
	}
	waiter := make(chan outcome, 1)
	go func() {
		res, err := repo.Search(context.Background(), SearchRequest{})
		waiter <- outcome{res, err}
	}()

	// Give the waiter time to join the in-flight fetch, then abandon
	// the caller that triggered it.
	time.Sleep(50 * time.Millisecond)
	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(source.gate)
	got := <-waiter
	require.NoError(t, got.err, "waiter must not inherit the cancelled caller's fate")
	assert.Len(t, got.res.Entities, 1)
	assert.Equal(t, 1, source.fetchCalls(), "the waiter must reuse the in-flight fetch")
}

func TestGetDoesNotTriggerFetch(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{records: []content.RawRecord{spellRecord("fireball", "Fireball", 3)}}
	repo := New(types.TypeSpell, store, source, Options{})

	_, err := repo.Get(context.Background(), "fireball")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.Zero(t, source.fetchCalls())
}

func TestFactoryWiresEveryEntityType(t *testing.T) {
	store := newFakeStore()
	factory := NewFactory(store, nil, 100)

	for _, entityType := range types.AllEntityTypes {
		repo, ok := factory.For(entityType)
		require.True(t, ok, "missing repository for %s", entityType)
		assert.Equal(t, entityType, repo.EntityType())
	}
	assert.Len(t, factory.All(), len(types.AllEntityTypes))

	_, ok := factory.For("dungeon")
	assert.False(t, ok)
}
