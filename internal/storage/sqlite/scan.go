package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scrypster/grimoire/pkg/types"
)

// selectColumns is the shared SELECT prefix; the column order must match
// the Scan order in scanEntityColumns below.
const selectColumns = `
	SELECT
		entity_type, slug, name, attributes,
		embedding_text, embedding, embedding_model, embedding_dimension,
		source_api, stored_at
	FROM entities`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEntity reads one row into a types.Entity.
func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		entityType                                 string
		entity                                     types.Entity
		attributesJSON                             sql.NullString
		embeddingText, embeddingModel, sourceAPI   sql.NullString
		embeddingBlob                              []byte
		dimension                                  int
		storedAt                                   time.Time
	)

	err := row.Scan(
		&entityType,
		&entity.Slug,
		&entity.Name,
		&attributesJSON,
		&embeddingText,
		&embeddingBlob,
		&embeddingModel,
		&dimension,
		&sourceAPI,
		&storedAt,
	)
	if err != nil {
		return nil, err
	}

	entity.EntityType = types.EntityType(entityType)
	entity.StoredAt = storedAt

	if attributesJSON.Valid && attributesJSON.String != "" {
		if err := json.Unmarshal([]byte(attributesJSON.String), &entity.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes for %q: %w", entity.Slug, err)
		}
	}

	if embeddingText.Valid {
		entity.EmbeddingText = embeddingText.String
	}
	if embeddingModel.Valid {
		entity.EmbeddingModel = embeddingModel.String
	}
	if sourceAPI.Valid {
		entity.SourceAPI = sourceAPI.String
	}

	if len(embeddingBlob) > 0 && dimension > 0 {
		vec, err := deserializeEmbedding(embeddingBlob, dimension)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize embedding for %q: %w", entity.Slug, err)
		}
		entity.Embedding = vec
		entity.EmbeddingDimension = dimension
	}

	return &entity, nil
}

// scanEntities reads all rows returned by a query into a []types.Entity slice.
func scanEntities(rows *sql.Rows) ([]types.Entity, error) {
	var entities []types.Entity

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}
		entities = append(entities, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entities, nil
}

// nullableString converts an empty string to NULL for storage.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableBytes converts an empty byte slice to NULL for storage.
func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
