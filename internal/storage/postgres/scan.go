package postgres

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/scrypster/grimoire/pkg/types"
)

// selectColumns is the shared SELECT prefix; the column order must match
// the Scan order in scanEntity below.
const selectColumns = `
	SELECT
		entity_type, slug, name, attributes,
		embedding_text, embedding, embedding_model, embedding_dimension,
		source_api, stored_at
	FROM entities`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		entityType                               string
		entity                                   types.Entity
		attributesJSON                           sql.NullString
		embeddingText, embeddingModel, sourceAPI sql.NullString
		embeddingBlob                            []byte
		dimension                                int
		storedAt                                 time.Time
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

	if err := fillEntity(&entity, entityType, attributesJSON, embeddingText, embeddingModel, sourceAPI, embeddingBlob, dimension, storedAt); err != nil {
		return nil, err
	}
	return &entity, nil
}

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

// scanEntitiesWithScore scans rows that carry a trailing similarity
// score column (pgvector search path). The score itself is not returned
// to callers; ordering already encodes it.
func scanEntitiesWithScore(rows *sql.Rows) ([]types.Entity, error) {
	var entities []types.Entity

	for rows.Next() {
		var (
			entityType                               string
			entity                                   types.Entity
			attributesJSON                           sql.NullString
			embeddingText, embeddingModel, sourceAPI sql.NullString
			embeddingBlob                            []byte
			dimension                                int
			storedAt                                 time.Time
			score                                    float64
		)

		err := rows.Scan(
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
			&score,
		)
		if err != nil {
			return nil, fmt.Errorf("scan scored entity row: %w", err)
		}

		if err := fillEntity(&entity, entityType, attributesJSON, embeddingText, embeddingModel, sourceAPI, embeddingBlob, dimension, storedAt); err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entities, nil
}

// fillEntity decodes the nullable SQL fields into the types.Entity
// struct. Shared between the plain and scored scan paths.
func fillEntity(
	entity *types.Entity,
	entityType string,
	attributesJSON, embeddingText, embeddingModel, sourceAPI sql.NullString,
	embeddingBlob []byte,
	dimension int,
	storedAt time.Time,
) error {
	entity.EntityType = types.EntityType(entityType)
	entity.StoredAt = storedAt

	if attributesJSON.Valid && attributesJSON.String != "" {
		if err := json.Unmarshal([]byte(attributesJSON.String), &entity.Attributes); err != nil {
			return fmt.Errorf("failed to unmarshal attributes for %q: %w", entity.Slug, err)
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
			return fmt.Errorf("failed to deserialize embedding for %q: %w", entity.Slug, err)
		}
		entity.Embedding = vec
		entity.EmbeddingDimension = dimension
	}

	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// serializeEmbedding converts a float32 slice to little-endian bytes for
// the BYTEA column. Kept in sync with the sqlite backend's encoding so a
// dump can move between engines.
func serializeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}

	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func deserializeEmbedding(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}

	expectedSize := dimension * 4
	if len(buf) != expectedSize {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", expectedSize, len(buf))
	}

	embedding := make([]float32, dimension)
	for i := 0; i < dimension; i++ {
		bits := binary.LittleEndian.Uint32(buf[i*4:])
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
