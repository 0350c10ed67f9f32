package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/kestrel-audit/auditrag-go/internal/ingest"
)

// QdrantConfig holds connection parameters for a Qdrant-backed knowledge base.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the collection name (default: DefaultCollection).
	Collection string

	// VectorSize is the dimensionality of the embeddings.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements KnowledgeBase backed by a Qdrant instance. The
// collection is created lazily on the first Replace, not at construction, so
// a fresh deployment reports ErrNoKnowledgeBase until a corpus is uploaded.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	cfg      *QdrantConfig
}

// NewQdrantStore connects to Qdrant and returns a ready-to-use store.
func NewQdrantStore(cfg *QdrantConfig, embedder Embedder) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("qdrant: embedder is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return &QdrantStore{client: client, embedder: embedder, cfg: cfg}, nil
}

// Replace drops any existing collection, recreates it, and inserts the new
// chunks in batches. Re-ingesting a corpus therefore fully supersedes the
// previous one.
func (s *QdrantStore) Replace(ctx context.Context, chunks []ingest.Chunk) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		if err := s.client.DeleteCollection(ctx, s.cfg.Collection); err != nil {
			return fmt.Errorf("qdrant: failed to drop collection %q: %w", s.cfg.Collection, err)
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	for start := 0; start < len(chunks); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := s.insertBatch(ctx, chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// insertBatch embeds one batch of chunks and upserts them with provenance
// payloads. Point IDs are derived deterministically from the chunk ID.
func (s *QdrantStore) insertBatch(ctx context.Context, chunks []ingest.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("qdrant: failed to embed batch: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("qdrant: embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		pointID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(c.ChunkID)).String()
		points = append(points, &qdrant.PointStruct{
			Id: qdrant.NewIDUUID(pointID),
			Payload: qdrant.NewValueMap(map[string]any{
				"content":  c.Content,
				"source":   c.Source,
				"page":     int64(c.Page),
				"chunk_id": c.ChunkID,
			}),
			Vectors: qdrant.NewVectors(vectors[i]...),
		})
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// Search embeds the query and returns the top-k most similar chunks. Qdrant
// returns cosine similarity directly as the point score.
func (s *QdrantStore) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if !exists {
		return nil, ErrNoKnowledgeBase
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("qdrant: embedder returned %d vectors for query", len(vectors))
	}

	limit := uint64(topK)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vectors[0]...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	results := make([]Result, 0, len(points))
	for i, p := range points {
		res := Result{
			Similarity: float64(p.Score),
			Rank:       i + 1,
		}
		if payload := p.Payload; payload != nil {
			if v, ok := payload["content"]; ok {
				res.Content = v.GetStringValue()
			}
			if v, ok := payload["source"]; ok {
				res.Source = v.GetStringValue()
			}
			if v, ok := payload["page"]; ok {
				res.Page = int(v.GetIntegerValue())
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// Teardown drops the collection if it exists.
func (s *QdrantStore) Teardown(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, s.cfg.Collection); err != nil {
		return fmt.Errorf("qdrant: failed to drop collection %q: %w", s.cfg.Collection, err)
	}
	return nil
}

// Client exposes the underlying Qdrant client for health probes.
func (s *QdrantStore) Client() *qdrant.Client {
	return s.client
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
