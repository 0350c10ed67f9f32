package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kestrel-audit/auditrag-go/internal/ingest"
)

// MemoryStore is an in-process KnowledgeBase for single-node deployments and
// tests. It holds chunks and their embeddings in memory and searches by
// exact cosine similarity.
type MemoryStore struct {
	mu       sync.RWMutex
	embedder Embedder
	chunks   []ingest.Chunk
	vectors  [][]float32
	exists   bool
}

// NewMemoryStore creates an empty in-memory knowledge base.
func NewMemoryStore(embedder Embedder) (*MemoryStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("memory: embedder is required")
	}
	return &MemoryStore{embedder: embedder}, nil
}

// Replace swaps the whole corpus atomically.
func (s *MemoryStore) Replace(ctx context.Context, chunks []ingest.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	var vectors [][]float32
	for start := 0; start < len(texts); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := s.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("memory: failed to embed batch: %w", err)
		}
		vectors = append(vectors, batch...)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("memory: embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	s.mu.Lock()
	s.chunks = append([]ingest.Chunk(nil), chunks...)
	s.vectors = vectors
	s.exists = true
	s.mu.Unlock()
	return nil
}

// Search embeds the query and returns the topK most similar chunks.
func (s *MemoryStore) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	s.mu.RLock()
	exists := s.exists
	s.mu.RUnlock()
	if !exists {
		return nil, ErrNoKnowledgeBase
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("memory: failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("memory: embedder returned %d vectors for query", len(vectors))
	}
	queryVec := vectors[0]

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.exists {
		return nil, ErrNoKnowledgeBase
	}

	type scored struct {
		idx int
		sim float64
	}
	candidates := make([]scored, 0, len(s.chunks))
	for i, vec := range s.vectors {
		candidates = append(candidates, scored{idx: i, sim: cosineSimilarity(queryVec, vec)})
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].sim > candidates[b].sim
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]Result, 0, len(candidates))
	for i, c := range candidates {
		chunk := s.chunks[c.idx]
		results = append(results, Result{
			Content:    chunk.Content,
			Source:     chunk.Source,
			Page:       chunk.Page,
			Similarity: c.sim,
			Rank:       i + 1,
		})
	}
	return results, nil
}

// Teardown discards the corpus. Idempotent.
func (s *MemoryStore) Teardown(ctx context.Context) error {
	s.mu.Lock()
	s.chunks = nil
	s.vectors = nil
	s.exists = false
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
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
