package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

// fakeEmbedder returns canned vectors keyed by exact text. Texts listed
// in failOn return an error, texts absent from vectors fall back to a
// neutral default so upserts never fail just because a test forgot an
// entry.
type fakeEmbedder struct {
	vectors map[string][]float32
	failOn  map[string]bool
	dim     int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors: make(map[string][]float32),
		failOn:  make(map[string]bool),
		dim:     3,
	}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.failOn[text] {
		return nil, fmt.Errorf("fake embedder: refusing %q", text)
	}
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	vec := make([]float32, f.dim)
	vec[0] = 1
	return vec, nil
}

func (f *fakeEmbedder) GetModel() string { return "fake-embed-v1" }

func newTestStore(t *testing.T, opts Options) *EntityStore {
	t.Helper()
	store, err := NewEntityStore(":memory:", opts)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func spell(slug, name string, level int, school string) types.Entity {
	return types.Entity{
		Slug: slug,
		Name: name,
		Attributes: map[string]interface{}{
			"name":   name,
			"level":  level,
			"school": school,
		},
		EmbeddingText: name,
		SourceAPI:     "test-fixture",
	}
}

func slugs(entities []types.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.Slug
	}
	return out
}

func TestUpsertAndGet(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	n, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("fireball", "Fireball", 3, "evocation"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 written, got %d", n)
	}

	got, err := store.Get(ctx, types.TypeSpell, "fireball")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "Fireball" {
		t.Errorf("expected name Fireball, got %q", got.Name)
	}
	if got.Attributes["school"] != "evocation" {
		t.Errorf("expected school evocation, got %v", got.Attributes["school"])
	}
	if got.SourceAPI != "test-fixture" {
		t.Errorf("expected source test-fixture, got %q", got.SourceAPI)
	}
	if got.StoredAt.IsZero() {
		t.Error("expected StoredAt to be set")
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t, Options{})

	_, err := store.Get(context.Background(), types.TypeSpell, "no-such-spell")
	if err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Upserting the identical batch twice must not create duplicate rows.
func TestUpsertIdempotent(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	batch := []types.Entity{
		spell("fireball", "Fireball", 3, "evocation"),
		spell("shield", "Shield", 1, "abjuration"),
	}

	for i := 0; i < 2; i++ {
		if _, err := store.UpsertMany(ctx, types.TypeSpell, batch); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}

	results, err := store.Query(ctx, types.TypeSpell, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 entities after repeated upsert, got %d", len(results))
	}
}

// Within one batch the last occurrence of a slug wins.
func TestUpsertDedupeLastWins(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	n, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("fireball", "X", 3, "evocation"),
		spell("shield", "Shield", 1, "abjuration"),
		spell("fireball", "Y", 3, "evocation"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 written after dedup, got %d", n)
	}

	got, err := store.Get(ctx, types.TypeSpell, "fireball")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "Y" {
		t.Errorf("expected last occurrence to win (name Y), got %q", got.Name)
	}
}

func TestUpsertRejectsEmptySlug(t *testing.T) {
	store := newTestStore(t, Options{})

	_, err := store.UpsertMany(context.Background(), types.TypeSpell, []types.Entity{
		{Name: "Nameless"},
	})
	if err == nil {
		t.Fatal("expected error for empty slug")
	}
}

func seedLevels(t *testing.T, store *EntityStore) {
	t.Helper()
	var batch []types.Entity
	for _, level := range []int{0, 1, 3, 4, 7} {
		slug := fmt.Sprintf("spell-l%d", level)
		batch = append(batch, spell(slug, slug, level, "evocation"))
	}
	if _, err := store.UpsertMany(context.Background(), types.TypeSpell, batch); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestQueryRangeFilters(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	seedLevels(t, store)

	cases := []struct {
		name string
		raw  map[string]interface{}
		want []string
	}{
		{
			name: "lower bound inclusive",
			raw:  map[string]interface{}{"level_min": 4},
			want: []string{"spell-l4", "spell-l7"},
		},
		{
			name: "upper bound inclusive",
			raw:  map[string]interface{}{"level_max": 3},
			want: []string{"spell-l0", "spell-l1", "spell-l3"},
		},
		{
			name: "both bounds",
			raw:  map[string]interface{}{"level_min": 3, "level_max": 5},
			want: []string{"spell-l3", "spell-l4"},
		},
		{
			name: "unsatisfiable range matches nothing",
			raw:  map[string]interface{}{"level_min": 8},
			want: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filters, err := storage.ParseFilters(tc.raw)
			if err != nil {
				t.Fatalf("parse filters: %v", err)
			}
			results, err := store.Query(ctx, types.TypeSpell, filters)
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			got := slugs(results)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

// Integer filter values must match float-typed attributes: JSON decoding
// turns every number into float64, while stored attributes may carry
// either representation.
func TestQueryNumericExactCrossType(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	seedLevels(t, store)

	for _, value := range []interface{}{3, float64(3)} {
		filters, err := storage.ParseFilters(map[string]interface{}{"level": value})
		if err != nil {
			t.Fatalf("parse filters: %v", err)
		}
		results, err := store.Query(ctx, types.TypeSpell, filters)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(results) != 1 || results[0].Slug != "spell-l3" {
			t.Fatalf("filter level=%v: expected [spell-l3], got %v", value, slugs(results))
		}
	}
}

func TestQueryListMembership(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("fireball", "Fireball", 3, "evocation"),
		spell("shield", "Shield", 1, "abjuration"),
		spell("animate-dead", "Animate Dead", 3, "necromancy"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	filters, err := storage.ParseFilters(map[string]interface{}{
		"school": []interface{}{"evocation", "necromancy"},
	})
	if err != nil {
		t.Fatalf("parse filters: %v", err)
	}

	results, err := store.Query(ctx, types.TypeSpell, filters)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	got := slugs(results)
	if len(got) != 2 || got[0] != "animate-dead" || got[1] != "fireball" {
		t.Fatalf("expected [animate-dead fireball], got %v", got)
	}
}

func TestQueryCaseInsensitiveOption(t *testing.T) {
	ctx := context.Background()

	seed := []types.Entity{spell("fireball", "Fireball", 3, "Evocation")}
	filters, err := storage.ParseFilters(map[string]interface{}{"school": "evocation"})
	if err != nil {
		t.Fatalf("parse filters: %v", err)
	}

	sensitive := newTestStore(t, Options{})
	if _, err := sensitive.UpsertMany(ctx, types.TypeSpell, seed); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	results, err := sensitive.Query(ctx, types.TypeSpell, filters)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("case-sensitive store should not match: got %v", slugs(results))
	}

	insensitive := newTestStore(t, Options{CaseInsensitiveText: true})
	if _, err := insensitive.UpsertMany(ctx, types.TypeSpell, seed); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	results, err = insensitive.Query(ctx, types.TypeSpell, filters)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("case-insensitive store should match: got %v", slugs(results))
	}
}

func TestQueryInvalidFilterAttribute(t *testing.T) {
	store := newTestStore(t, Options{})

	_, err := store.Query(context.Background(), types.TypeSpell, storage.Filters{
		"name'; DROP TABLE entities;--": storage.Exact("x"),
	})
	if err == nil {
		t.Fatal("expected error for invalid attribute name")
	}
}

// A set built in Go can mix numeric and string members (challenge
// ratings stay strings when not parseable). On a case-insensitive
// store the numeric members must keep numeric affinity instead of
// being folded through lower().
func TestQueryMixedTypeSetKeepsNumericMembers(t *testing.T) {
	store := newTestStore(t, Options{CaseInsensitiveText: true})
	ctx := context.Background()

	creature := func(slug string, cr interface{}) types.Entity {
		return types.Entity{
			Slug:       slug,
			Name:       slug,
			Attributes: map[string]interface{}{"name": slug, "challenge_rating": cr},
		}
	}
	_, err := store.UpsertMany(ctx, types.TypeCreature, []types.Entity{
		creature("imp", 0.5),
		creature("mimic", float64(2)),
		creature("tarrasque-spawn", "unknown"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := store.Query(ctx, types.TypeCreature, storage.Filters{
		"challenge_rating": storage.InSet(0.5, "unknown"),
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	got := slugs(results)
	if len(got) != 2 || got[0] != "imp" || got[1] != "tarrasque-spawn" {
		t.Fatalf("expected [imp tarrasque-spawn], got %v", got)
	}
}

/// An entity whose embedding fails is stored structured-only: reachable
// through Query, invisible to SemanticSearch.
func TestEmbeddingFailureDegradesToStructuredOnly(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.failOn["Cursed Tome"] = true

	store := newTestStore(t, Options{Embedder: embedder})
	ctx := context.Background()

	_, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("fireball", "Fireball", 3, "evocation"),
		spell("cursed-tome", "Cursed Tome", 2, "necromancy"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	all, err := store.Query(ctx, types.TypeSpell, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both entities stored, got %d", len(all))
	}

	results, err := store.SemanticSearch(ctx, types.TypeSpell, "anything", nil, storage.SearchOptions{})
	if err != nil {
		t.Fatalf("semantic search failed: %v", err)
	}
	for _, e := range results {
		if e.Slug == "cursed-tome" {
			t.Error("entity without embedding must be excluded from semantic results")
		}
	}
	if len(results) != 1 || results[0].Slug != "fireball" {
		t.Fatalf("expected [fireball], got %v", slugs(results))
	}
}

func TestSemanticSearchRanking(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.vectors["Fireball"] = []float32{1, 0.9, 0}
	embedder.vectors["Wall of Fire"] = []float32{1, 0.4, 0}
	embedder.vectors["Fire Bolt"] = []float32{1, 0.1, 0}
	embedder.vectors["Mending"] = []float32{0, 0, 1}
	embedder.vectors["fire damage in an area"] = []float32{1, 1, 0}

	store := newTestStore(t, Options{Embedder: embedder})
	ctx := context.Background()

	_, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("mending", "Mending", 0, "transmutation"),
		spell("fire-bolt", "Fire Bolt", 0, "evocation"),
		spell("wall-of-fire", "Wall of Fire", 4, "evocation"),
		spell("fireball", "Fireball", 3, "evocation"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := store.SemanticSearch(ctx, types.TypeSpell, "fire damage in an area", nil, storage.SearchOptions{Limit: 3})
	if err != nil {
		t.Fatalf("semantic search failed: %v", err)
	}

	got := slugs(results)
	want := []string{"fireball", "wall-of-fire", "fire-bolt"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ranking %v, got %v", want, got)
		}
	}
}

// Structured filters restrict the candidate set before ranking.
func TestSemanticSearchWithFilters(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.vectors["Fireball"] = []float32{1, 0.9, 0}
	embedder.vectors["Wall of Fire"] = []float32{1, 0.4, 0}
	embedder.vectors["fire"] = []float32{1, 1, 0}

	store := newTestStore(t, Options{Embedder: embedder})
	ctx := context.Background()

	_, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("wall-of-fire", "Wall of Fire", 4, "evocation"),
		spell("fireball", "Fireball", 3, "evocation"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	filters, err := storage.ParseFilters(map[string]interface{}{"level_min": 4})
	if err != nil {
		t.Fatalf("parse filters: %v", err)
	}

	results, err := store.SemanticSearch(ctx, types.TypeSpell, "fire", filters, storage.SearchOptions{})
	if err != nil {
		t.Fatalf("semantic search failed: %v", err)
	}
	if len(results) != 1 || results[0].Slug != "wall-of-fire" {
		t.Fatalf("expected [wall-of-fire], got %v", slugs(results))
	}
}

func TestSemanticSearchMinScore(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.vectors["Fireball"] = []float32{1, 0, 0}
	embedder.vectors["Mending"] = []float32{0, 1, 0}
	embedder.vectors["fire"] = []float32{1, 0, 0}

	store := newTestStore(t, Options{Embedder: embedder})
	ctx := context.Background()

	_, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("fireball", "Fireball", 3, "evocation"),
		spell("mending", "Mending", 0, "transmutation"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := store.SemanticSearch(ctx, types.TypeSpell, "fire", nil, storage.SearchOptions{MinScore: 0.5})
	if err != nil {
		t.Fatalf("semantic search failed: %v", err)
	}
	if len(results) != 1 || results[0].Slug != "fireball" {
		t.Fatalf("expected only fireball above min score, got %v", slugs(results))
	}
}

func TestSemanticSearchWithoutEmbedder(t *testing.T) {
	store := newTestStore(t, Options{})

	_, err := store.SemanticSearch(context.Background(), types.TypeSpell, "fire", nil, storage.SearchOptions{})
	if err == nil {
		t.Fatal("expected error when no embedder is configured")
	}
}

// A second embedding dimensionality must not enter the store; the record
// itself still persists.
func TestDimensionMismatchDropsEmbedding(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.vectors["Fireball"] = []float32{1, 0, 0}
	embedder.vectors["Shield"] = []float32{1, 0, 0, 0, 0}

	store := newTestStore(t, Options{Embedder: embedder})
	ctx := context.Background()

	_, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("fireball", "Fireball", 3, "evocation"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	_, err = store.UpsertMany(ctx, types.TypeSpell, []types.Entity{
		spell("shield", "Shield", 1, "abjuration"),
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := store.Get(ctx, types.TypeSpell, "shield")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got.Embedding) != 0 {
		t.Errorf("expected mismatched embedding to be dropped, got %d dims", len(got.Embedding))
	}

	got, err = store.Get(ctx, types.TypeSpell, "fireball")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(got.Embedding) != 3 {
		t.Errorf("expected first embedding kept with 3 dims, got %d", len(got.Embedding))
	}
}

func TestStatsFreshness(t *testing.T) {
	store := newTestStore(t, Options{
		TTLs: map[types.EntityType]time.Duration{types.TypeSpell: time.Hour},
	})
	ctx := context.Background()

	fresh := spell("fireball", "Fireball", 3, "evocation")
	stale := spell("shield", "Shield", 1, "abjuration")
	stale.StoredAt = time.Now().UTC().Add(-2 * time.Hour)

	if _, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{fresh, stale}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	stats, err := store.Stats(ctx, types.TypeSpell)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("expected total 2, got %d", stats.Total)
	}
	if stats.Fresh != 1 {
		t.Errorf("expected fresh 1, got %d", stats.Fresh)
	}
	if stats.OldestAt == nil || stats.NewestAt == nil {
		t.Error("expected oldest/newest timestamps to be set")
	}
}

func TestStatsEmptyType(t *testing.T) {
	store := newTestStore(t, Options{})

	stats, err := store.Stats(context.Background(), types.TypeCreature)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 0 || stats.Fresh != 0 {
		t.Errorf("expected empty stats, got total=%d fresh=%d", stats.Total, stats.Fresh)
	}
	if stats.OldestAt != nil {
		t.Error("expected nil OldestAt for empty type")
	}
}

// Stale rows age out of the freshness count but stay queryable.
func TestStaleRowsRemainQueryable(t *testing.T) {
	store := newTestStore(t, Options{
		TTLs: map[types.EntityType]time.Duration{types.TypeSpell: time.Minute},
	})
	ctx := context.Background()

	stale := spell("fireball", "Fireball", 3, "evocation")
	stale.StoredAt = time.Now().UTC().Add(-time.Hour)
	if _, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{stale}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	results, err := store.Query(ctx, types.TypeSpell, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("stale entity should still be queryable, got %d results", len(results))
	}
}

func TestClearIsTypeScoped(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	if _, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{spell("fireball", "Fireball", 3, "evocation")}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := store.UpsertMany(ctx, types.TypeCreature, []types.Entity{{
		Slug: "goblin",
		Name: "Goblin",
		Attributes: map[string]interface{}{
			"name":             "Goblin",
			"challenge_rating": 0.25,
		},
	}}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := store.Clear(ctx, types.TypeSpell); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	spells, err := store.Query(ctx, types.TypeSpell, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(spells) != 0 {
		t.Errorf("expected spells cleared, got %d", len(spells))
	}

	creatures, err := store.Query(ctx, types.TypeCreature, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(creatures) != 1 {
		t.Errorf("expected creatures untouched, got %d", len(creatures))
	}
}

func TestClearAll(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()

	if _, err := store.UpsertMany(ctx, types.TypeSpell, []types.Entity{spell("fireball", "Fireball", 3, "evocation")}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("clear all failed: %v", err)
	}

	stats, err := store.Stats(ctx, types.TypeSpell)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("expected empty store, got %d", stats.Total)
	}
}
