package postgres

// Schema defines the base PostgreSQL schema for the entity cache.
// All statements are idempotent (IF NOT EXISTS).
//
// Embeddings are always stored in the BYTEA column; when the pgvector
// extension is present, MigrationPgvector adds a typed vector column so
// semantic search can rank with an indexed cosine-distance operator
// instead of loading candidates into Go.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type         TEXT NOT NULL,
	slug                TEXT NOT NULL,
	name                TEXT NOT NULL,
	attributes          JSONB,
	embedding_text      TEXT,
	embedding           BYTEA,
	embedding_model     TEXT,
	embedding_dimension INTEGER NOT NULL DEFAULT 0,
	source_api          TEXT,
	stored_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_type, slug)
);

CREATE INDEX IF NOT EXISTS idx_entities_type_stored_at
	ON entities(entity_type, stored_at);

CREATE INDEX IF NOT EXISTS idx_entities_attributes
	ON entities USING GIN (attributes);
`

// MigrationPgvector adds the typed vector column. Applied only when the
// pgvector extension is available. The dimension is fixed at first use
// by the store, so the column is declared without one and cast per query.
const MigrationPgvector = `
ALTER TABLE entities ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
