// Package sqlite provides the default EntityStore backend.
//
// SQLite fits the cache's profile: single process, modest row counts,
// zero operational dependencies. WAL mode gives concurrent readers a
// consistent snapshot while the single write connection serialises
// upserts, which is what makes reads-during-writes observe either the
// pre- or post-upsert state and never a torn batch.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/grimoire/internal/llm"
	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/pkg/types"
)

// Options configures an EntityStore.
type Options struct {
	// Embedder generates vectors for entities on upsert and for query
	// text in SemanticSearch. May be nil, in which case the store runs
	// structured-only and SemanticSearch returns an error.
	Embedder llm.EmbeddingGenerator

	// CaseInsensitiveText makes exact and set-membership string matches
	// case-insensitive. Off by default.
	CaseInsensitiveText bool

	// TTLs holds the per-entity-type freshness thresholds used by Stats.
	// Types without an entry default to 24h.
	TTLs map[types.EntityType]time.Duration
}

func (o *Options) ttl(entityType types.EntityType) time.Duration {
	if ttl, ok := o.TTLs[entityType]; ok {
		return ttl
	}
	return 24 * time.Hour
}

// EntityStore implements storage.EntityStore using SQLite.
type EntityStore struct {
	db   *sql.DB
	opts Options

	// dim is the embedding dimensionality fixed for the store's
	// lifetime. Zero until the first embedding is stored; guarded by mu.
	mu  sync.Mutex
	dim int
}

// NewEntityStore opens (or creates) a SQLite entity store at dsn and
// applies the schema. Use ":memory:" for tests.
func NewEntityStore(dsn string, opts Options) (*EntityStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", storage.ErrStoreUnavailable, err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode allows concurrent readers to proceed
	// without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %v", storage.ErrStoreUnavailable, err)
	}

	// Busy timeout so callers wait instead of getting an immediate
	// SQLITE_BUSY when the connection is held by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to set busy timeout: %v", storage.ErrStoreUnavailable, err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create schema: %v", storage.ErrStoreUnavailable, err)
	}

	s := &EntityStore{db: db, opts: opts}

	// Recover the fixed dimensionality from any previously stored
	// embedding so restarts keep enforcing the same dimension.
	var dim sql.NullInt64
	err = db.QueryRow("SELECT embedding_dimension FROM entities WHERE embedding_dimension > 0 LIMIT 1").Scan(&dim)
	if err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, fmt.Errorf("%w: failed to read embedding dimension: %v", storage.ErrStoreUnavailable, err)
	}
	if dim.Valid {
		s.dim = int(dim.Int64)
	}

	return s, nil
}

// UpsertMany writes a batch of entities for one entity type.
//
// Duplicate slugs within the batch resolve last-occurrence-wins before
// anything touches the database. Embeddings are generated up front, so
// the transaction itself never suspends on network I/O and a cancelled
// caller can only abort the batch as a whole, never leave part of a
// provider response persisted.
func (s *EntityStore) UpsertMany(ctx context.Context, entityType types.EntityType, entities []types.Entity) (int, error) {
	if !entityType.Valid() {
		return 0, fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, entityType)
	}
	if len(entities) == 0 {
		return 0, nil
	}

	deduped := dedupeLastWins(entities)

	now := time.Now().UTC()
	for i := range deduped {
		e := &deduped[i]
		if e.Slug == "" {
			return 0, fmt.Errorf("%w: entity slug is required", storage.ErrInvalidInput)
		}
		e.EntityType = entityType
		if e.StoredAt.IsZero() {
			e.StoredAt = now
		}
		s.ensureEmbedding(ctx, e)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %v", storage.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
		INSERT INTO entities (
			entity_type, slug, name, attributes,
			embedding_text, embedding, embedding_model, embedding_dimension,
			source_api, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, slug) DO UPDATE SET
			name = excluded.name,
			attributes = excluded.attributes,
			embedding_text = excluded.embedding_text,
			embedding = excluded.embedding,
			embedding_model = excluded.embedding_model,
			embedding_dimension = excluded.embedding_dimension,
			source_api = excluded.source_api,
			stored_at = excluded.stored_at
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prepare upsert: %v", storage.ErrStoreUnavailable, err)
	}
	defer stmt.Close()

	for _, e := range deduped {
		var attributesJSON []byte
		if len(e.Attributes) > 0 {
			attributesJSON, err = json.Marshal(e.Attributes)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal attributes for %q: %w", e.Slug, err)
			}
		}

		var embeddingBlob []byte
		dimension := 0
		if len(e.Embedding) > 0 {
			embeddingBlob = serializeEmbedding(e.Embedding)
			dimension = len(e.Embedding)
		}

		_, err = stmt.ExecContext(ctx,
			string(e.EntityType),
			e.Slug,
			e.Name,
			nullableBytes(attributesJSON),
			nullableString(e.EmbeddingText),
			nullableBytes(embeddingBlob),
			nullableString(e.EmbeddingModel),
			dimension,
			nullableString(e.SourceAPI),
			e.StoredAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert entity %q: %w", e.Slug, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit upsert batch: %v", storage.ErrStoreUnavailable, err)
	}

	return len(deduped), nil
}

// ensureEmbedding fills in e.Embedding from e.EmbeddingText when an
// embedder is configured. Failures degrade the entity to structured-only
// (logged, never fatal); a dimensionality mismatch is treated the same
// way so one misconfigured model cannot poison the store.
func (s *EntityStore) ensureEmbedding(ctx context.Context, e *types.Entity) {
	if len(e.Embedding) > 0 {
		if !s.checkDimension(len(e.Embedding)) {
			log.Printf("sqlite: dropping embedding for %s/%s: %v (got %d, store uses %d)",
				e.EntityType, e.Slug, storage.ErrDimensionMismatch, len(e.Embedding), s.dimension())
			e.Embedding = nil
			e.EmbeddingDimension = 0
		}
		return
	}

	if s.opts.Embedder == nil || strings.TrimSpace(e.EmbeddingText) == "" {
		return
	}

	vec, err := s.opts.Embedder.Embed(ctx, e.EmbeddingText)
	if err != nil {
		log.Printf("sqlite: embedding failed for %s/%s (storing without embedding): %v", e.EntityType, e.Slug, err)
		return
	}

	if !s.checkDimension(len(vec)) {
		log.Printf("sqlite: dropping embedding for %s/%s: %v (got %d, store uses %d)",
			e.EntityType, e.Slug, storage.ErrDimensionMismatch, len(vec), s.dimension())
		return
	}

	e.Embedding = vec
	e.EmbeddingModel = s.opts.Embedder.GetModel()
	e.EmbeddingDimension = len(vec)
}

// checkDimension fixes the store's dimensionality on first use and
// reports whether dim is compatible with it.
func (s *EntityStore) checkDimension(dim int) bool {
	if dim <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim == 0 {
		s.dim = dim
		return true
	}
	return s.dim == dim
}

func (s *EntityStore) dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

// Get retrieves a single entity by slug.
func (s *EntityStore) Get(ctx context.Context, entityType types.EntityType, slug string) (*types.Entity, error) {
	if slug == "" {
		return nil, fmt.Errorf("%w: slug is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE entity_type = ? AND slug = ?`,
		string(entityType), slug)

	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return e, nil
}

// Query performs structured-only retrieval in stable slug order.
func (s *EntityStore) Query(ctx context.Context, entityType types.EntityType, filters storage.Filters) ([]types.Entity, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, entityType)
	}

	where, args, err := buildPredicates(filters, s.opts.CaseInsensitiveText)
	if err != nil {
		return nil, err
	}

	query := selectColumns + ` WHERE entity_type = ?`
	queryArgs := append([]interface{}{string(entityType)}, args...)
	if where != "" {
		query += " AND " + where
	}
	query += " ORDER BY slug"

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("%w: query failed: %v", storage.ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntities(rows)
}

// SemanticSearch ranks entities matching filters by cosine similarity to
// the embedded query text. Candidates are filtered in SQL, scored in Go;
// entities without an embedding cannot be scored and never appear here
// (they remain reachable through Query).
func (s *EntityStore) SemanticSearch(ctx context.Context, entityType types.EntityType, queryText string, filters storage.Filters, opts storage.SearchOptions) ([]types.Entity, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, entityType)
	}
	if s.opts.Embedder == nil {
		return nil, fmt.Errorf("%w: semantic search requires an embedding generator", storage.ErrInvalidInput)
	}
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("%w: query text is required", storage.ErrInvalidInput)
	}

	opts.Normalize()

	where, args, err := buildPredicates(filters, s.opts.CaseInsensitiveText)
	if err != nil {
		return nil, err
	}

	queryVec, err := s.opts.Embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	query := selectColumns + ` WHERE entity_type = ? AND embedding IS NOT NULL`
	queryArgs := append([]interface{}{string(entityType)}, args...)
	if where != "" {
		query += " AND " + where
	}

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("%w: semantic search failed: %v", storage.ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := scanEntities(rows)
	if err != nil {
		return nil, err
	}

	type scored struct {
		entity types.Entity
		score  float64
	}
	var ranked []scored
	for _, e := range candidates {
		sim := cosineSimilarity(queryVec, e.Embedding)
		if sim < opts.MinScore {
			continue
		}
		ranked = append(ranked, scored{e, sim})
	}

	// Stable tie-break on slug keeps results deterministic when scores collide.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].entity.Slug < ranked[j].entity.Slug
	})

	if len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}

	results := make([]types.Entity, len(ranked))
	for i, r := range ranked {
		results[i] = r.entity
	}
	return results, nil
}

// Stats reports population and freshness counts for one entity type.
func (s *EntityStore) Stats(ctx context.Context, entityType types.EntityType) (storage.TypeStats, error) {
	stats := storage.TypeStats{EntityType: entityType}

	cutoff := time.Now().UTC().Add(-s.opts.ttl(entityType))

	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN stored_at >= ? THEN 1 ELSE 0 END), 0),
			MIN(stored_at),
			MAX(stored_at)
		FROM entities
		WHERE entity_type = ?`,
		cutoff, string(entityType),
	).Scan(&stats.Total, &stats.Fresh, &oldest, &newest)
	if err != nil {
		return stats, fmt.Errorf("%w: stats query failed: %v", storage.ErrStoreUnavailable, err)
	}

	if oldest.Valid {
		t := oldest.Time
		stats.OldestAt = &t
	}
	if newest.Valid {
		t := newest.Time
		stats.NewestAt = &t
	}

	return stats, nil
}

// Clear removes all entities of one type.
func (s *EntityStore) Clear(ctx context.Context, entityType types.EntityType) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_type = ?`, string(entityType))
	if err != nil {
		return fmt.Errorf("%w: clear failed: %v", storage.ErrStoreUnavailable, err)
	}
	return nil
}

// ClearAll removes all entities of every type.
func (s *EntityStore) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities`)
	if err != nil {
		return fmt.Errorf("%w: clear all failed: %v", storage.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *EntityStore) Close() error {
	return s.db.Close()
}

// dedupeLastWins collapses duplicate slugs within a batch, keeping the
// last occurrence's record at the first occurrence's position.
func dedupeLastWins(entities []types.Entity) []types.Entity {
	index := make(map[string]int, len(entities))
	var out []types.Entity
	for _, e := range entities {
		if pos, seen := index[e.Slug]; seen {
			out[pos] = e
			continue
		}
		index[e.Slug] = len(out)
		out = append(out, e)
	}
	return out
}

var _ storage.EntityStore = (*EntityStore)(nil)
