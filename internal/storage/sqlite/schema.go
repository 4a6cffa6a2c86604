package sqlite

// Schema defines the SQLite schema for the entity cache. All statements
// are idempotent (IF NOT EXISTS) so the schema can be applied on every
// open.
//
// Entities are keyed by (entity_type, slug); the primary key is what
// makes upserts replace instead of duplicate. Attributes are stored as a
// JSON object and filtered with json_extract. Embeddings are stored
// inline as little-endian float32 BLOBs — for the dataset sizes this
// cache serves (a few thousand records per type) brute-force cosine
// ranking in Go is faster than maintaining a separate index, and the
// postgres backend exists for anything bigger.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type         TEXT NOT NULL,
	slug                TEXT NOT NULL,
	name                TEXT NOT NULL,
	attributes          TEXT,
	embedding_text      TEXT,
	embedding           BLOB,
	embedding_model     TEXT,
	embedding_dimension INTEGER NOT NULL DEFAULT 0,
	source_api          TEXT,
	stored_at           TIMESTAMP NOT NULL,
	PRIMARY KEY (entity_type, slug)
);

CREATE INDEX IF NOT EXISTS idx_entities_type_stored_at
	ON entities(entity_type, stored_at);
`
