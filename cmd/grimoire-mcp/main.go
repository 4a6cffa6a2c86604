// cmd/grimoire-mcp is the entry point for the Grimoire MCP (Model Context
// Protocol) server. It wires the entity store, the embedding provider, and
// the content source registry into per-entity-type repositories, then serves
// JSON-RPC 2.0 tool calls over stdin/stdout.
//
// Startup sequence:
//  1. Load configuration from environment variables.
//  2. Open the storage engine (sqlite by default, postgres via config).
//  3. Create the embedding generator (ollama, openai, or none).
//  4. Build the content source registry and start watching its config file.
//  5. Build one cache-aside repository per entity type.
//  6. Serve JSON-RPC 2.0 requests from stdin, writing responses to stdout.
//
// CRITICAL: ALL logging MUST go to stderr. Any bytes written to stdout that
// are not valid JSON-RPC 2.0 response frames will corrupt the protocol.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrypster/grimoire/internal/api/mcp"
	"github.com/scrypster/grimoire/internal/config"
	"github.com/scrypster/grimoire/internal/content"
	"github.com/scrypster/grimoire/internal/llm"
	"github.com/scrypster/grimoire/internal/repository"
	"github.com/scrypster/grimoire/internal/storage"
	"github.com/scrypster/grimoire/internal/storage/postgres"
	"github.com/scrypster/grimoire/internal/storage/sqlite"
)

func main() {
	// Redirect the default logger to stderr so that any incidental log
	// calls from imported packages never pollute the stdout JSON-RPC
	// stream.
	log.SetOutput(os.Stderr)
	log.SetPrefix("grimoire-mcp: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Set up a root context that is cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	embedder, err := llm.NewEmbeddingGenerator(cfg.Embedding)
	if err != nil {
		log.Fatalf("failed to create embedding generator: %v", err)
	}
	if embedder == nil {
		log.Println("embeddings disabled; semantic search unavailable")
	} else if oc, ok := embedder.(*llm.OllamaClient); ok {
		// A dead Ollama is not fatal: upserts degrade to structured-only
		// records and the circuit breaker keeps retry pressure low.
		if err := oc.HealthCheck(ctx); err != nil {
			log.Printf("warning: embedding provider unreachable: %v", err)
		}
	}

	store, err := openStore(cfg, embedder)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.Storage.StorageEngine, err)
	}
	defer store.Close()

	registry, err := content.NewRegistry(cfg.Content.SourcesPath, content.ClientOptions{
		Timeout:       cfg.Content.RequestTimeout,
		RatePerSecond: cfg.Content.RatePerSecond,
		Burst:         cfg.Content.RateBurst,
	})
	if err != nil {
		log.Fatalf("failed to load content sources: %v", err)
	}
	if err := registry.Watch(ctx); err != nil {
		log.Printf("warning: sources config watch unavailable: %v", err)
	}

	factory := repository.NewFactory(store, registry, cfg.Cache.MaxResults)
	srv := mcp.NewServerFromFactory(factory, mcp.WithConfig(cfg))

	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)

	log.Println("ready, serving JSON-RPC 2.0 on stdin/stdout")

	if err := transport.Serve(ctx); err != nil {
		// Context cancellation lands here too; informational only.
		log.Printf("transport stopped: %v", err)
	}
}

// openStore opens the configured storage engine.
func openStore(cfg *config.Config, embedder llm.EmbeddingGenerator) (storage.EntityStore, error) {
	switch cfg.Storage.StorageEngine {
	case "sqlite", "":
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory %q: %w", cfg.Storage.DataPath, err)
		}
		dsn := fmt.Sprintf("%s/grimoire.db", cfg.Storage.DataPath)
		return sqlite.NewEntityStore(dsn, sqlite.Options{
			Embedder:            embedder,
			CaseInsensitiveText: cfg.Storage.CaseInsensitiveText,
			TTLs:                cfg.Cache.TTLs,
		})
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, fmt.Errorf("GRIMOIRE_POSTGRES_DSN is required for the postgres engine")
		}
		return postgres.NewEntityStore(cfg.Storage.PostgresDSN, postgres.Options{
			Embedder:            embedder,
			CaseInsensitiveText: cfg.Storage.CaseInsensitiveText,
			TTLs:                cfg.Cache.TTLs,
		})
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.StorageEngine)
	}
}
