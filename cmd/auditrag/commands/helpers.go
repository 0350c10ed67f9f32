package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/kestrel-audit/auditrag-go/internal/embedder"
	"github.com/kestrel-audit/auditrag-go/internal/rag"
	"github.com/kestrel-audit/auditrag-go/internal/settings"
)

// getEnvOrDefault returns the env var value, or fallback when unset.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the env var parsed as int, or fallback when unset or
// unparseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// buildKnowledgeBase validates the embedding configuration and connects the
// Qdrant-backed knowledge base from QDRANT_* and EMBEDDING_* env vars.
func buildKnowledgeBase(log *slog.Logger) (*rag.QdrantStore, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}

	host := getEnvOrDefault("QDRANT_HOST", "localhost")
	port := getEnvInt("QDRANT_PORT", 6334)
	collection := getEnvOrDefault("QDRANT_COLLECTION", rag.DefaultCollection)
	vectorSize := uint64(embedder.DefaultDimensions(embedder.ResolveBackend())) //nolint:gosec // dimensions are bounded

	store, err := rag.NewQdrantStore(&rag.QdrantConfig{
		Host:       host,
		Port:       port,
		Collection: collection,
		VectorSize: vectorSize,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		UseTLS:     os.Getenv("QDRANT_TLS") == "true",
	}, emb)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
	}

	log.Info("qdrant store ready",
		slog.String("host", host),
		slog.Int("port", port),
		slog.String("collection", collection),
	)
	return store, nil
}

// openSettings opens the runtime settings store at its default location.
func openSettings(log *slog.Logger) (*settings.Store, error) {
	path, err := settings.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	store, err := settings.Open(path)
	if err != nil {
		return nil, err
	}
	log.Info("settings store opened", slog.String("path", path))
	return store, nil
}
