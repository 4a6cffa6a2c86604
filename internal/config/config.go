// Package config provides configuration management for Grimoire.
// It loads settings from environment variables with the GRIMOIRE_ prefix
// and provides sensible defaults for all configuration options.
//
// The content-provider registry (which upstream APIs serve which entity
// types) lives in a separate YAML file resolved by SourcesPath; see the
// content package for its schema and hot reload.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/scrypster/grimoire/pkg/types"
)

// Config holds all configuration settings for the Grimoire application.
type Config struct {
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Cache     CacheConfig
	Content   ContentConfig
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	StorageEngine       string // Storage engine type: sqlite, postgres (default: sqlite)
	DataPath            string // Path to data directory for sqlite (default: ./data)
	PostgresDSN         string // Connection string when StorageEngine is postgres
	CaseInsensitiveText bool   // Case-insensitive string matching for exact filters (default: false)
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider      string // Embedding provider: ollama, openai, none (default: ollama)
	Model         string // Embedding model name (default per provider)
	OllamaURL     string // Ollama API URL (default: http://localhost:11434)
	OpenAIAPIKey  string // OpenAI API key
	OpenAIBaseURL string // OpenAI-compatible base URL override
}

// CacheConfig contains cache behavior settings.
type CacheConfig struct {
	// TTLs holds the freshness threshold per entity type. An entity
	// older than its type's TTL stays queryable but makes the slice
	// eligible for a fallback refetch on next access.
	TTLs map[types.EntityType]time.Duration

	// MaxResults is the hard cap applied to caller-supplied limits.
	MaxResults int
}

// ContentConfig contains upstream content API settings.
type ContentConfig struct {
	SourcesPath    string        // Path to the sources.yaml provider registry
	RequestTimeout time.Duration // Per-request timeout for upstream fetches (default: 20s)
	RatePerSecond  float64       // Upstream request rate limit (default: 4)
	RateBurst      int           // Rate limiter burst size (default: 8)
}

// TTL returns the freshness threshold for the given entity type, falling
// back to 24h when the type has no explicit entry.
func (c *CacheConfig) TTL(entityType types.EntityType) time.Duration {
	if ttl, ok := c.TTLs[entityType]; ok {
		return ttl
	}
	return 24 * time.Hour
}

// LoadConfig loads configuration from environment variables with
// sensible defaults. All environment variables use the GRIMOIRE_ prefix.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			StorageEngine:       getEnv("GRIMOIRE_STORAGE_ENGINE", "sqlite"),
			DataPath:            getEnv("GRIMOIRE_DATA_PATH", "./data"),
			PostgresDSN:         getEnv("GRIMOIRE_POSTGRES_DSN", ""),
			CaseInsensitiveText: getEnvBool("GRIMOIRE_CASE_INSENSITIVE_TEXT", false),
		},
		Embedding: EmbeddingConfig{
			Provider:      getEnv("GRIMOIRE_EMBEDDING_PROVIDER", "ollama"),
			Model:         getEnv("GRIMOIRE_EMBEDDING_MODEL", ""),
			OllamaURL:     getEnv("GRIMOIRE_OLLAMA_URL", "http://localhost:11434"),
			OpenAIAPIKey:  getEnv("GRIMOIRE_OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("GRIMOIRE_OPENAI_BASE_URL", ""),
		},
		Cache: CacheConfig{
			TTLs: map[types.EntityType]time.Duration{
				types.TypeSpell:           getEnvDuration("GRIMOIRE_TTL_SPELL", 7*24*time.Hour),
				types.TypeCreature:        getEnvDuration("GRIMOIRE_TTL_CREATURE", 7*24*time.Hour),
				types.TypeEquipment:       getEnvDuration("GRIMOIRE_TTL_EQUIPMENT", 7*24*time.Hour),
				types.TypeCharacterOption: getEnvDuration("GRIMOIRE_TTL_CHARACTER_OPTION", 30*24*time.Hour),
				types.TypeRule:            getEnvDuration("GRIMOIRE_TTL_RULE", 30*24*time.Hour),
			},
			MaxResults: getEnvInt("GRIMOIRE_MAX_RESULTS", 100),
		},
		Content: ContentConfig{
			SourcesPath:    getEnv("GRIMOIRE_SOURCES_CONFIG", ""),
			RequestTimeout: getEnvDuration("GRIMOIRE_CONTENT_TIMEOUT", 20*time.Second),
			RatePerSecond:  getEnvFloat("GRIMOIRE_CONTENT_RATE", 4),
			RateBurst:      getEnvInt("GRIMOIRE_CONTENT_BURST", 8),
		},
	}

	return cfg, nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "12h") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
