// Package llm provides the embedding collaborators for the entity cache.
// Grimoire never generates text; the only LLM capability the cache needs
// is mapping free text to a fixed-length vector.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when embedding is requested for empty input.
// An empty embedding text is a caller bug, not a backend failure, so it
// gets its own sentinel.
var ErrEmptyText = errors.New("embedding text is empty")

// ErrEmbeddingFailed wraps backend failures (network, model, circuit
// open). Callers degrade the affected record to "no embedding" rather
// than aborting the containing batch.
var ErrEmbeddingFailed = errors.New("embedding generation failed")

// EmbeddingGenerator is the interface for generating vector embeddings.
// Implementations must be deterministic for identical input and must
// return an error (never a silent zero vector) on failure.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
