package llm

import (
	"fmt"

	"github.com/scrypster/grimoire/internal/config"
)

// NewEmbeddingGenerator creates the embedding client selected by the
// configuration. Returns an error for unknown providers so that a typo
// in GRIMOIRE_EMBEDDING_PROVIDER fails at startup, not on first upsert.
func NewEmbeddingGenerator(cfg config.EmbeddingConfig) (EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai embedding provider selected but no API key configured")
		}
		return NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			BaseURL: cfg.OpenAIBaseURL,
		}), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.Model,
		}), nil
	case "none":
		// Embeddings disabled: the store runs structured-only.
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
}
