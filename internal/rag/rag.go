// Package rag owns the knowledge base used for retrieval-augmented answers:
// an ephemeral vector collection that is rebuilt wholesale on every corpus
// upload and searched by cosine similarity. Concrete stores (Qdrant, in-
// memory) satisfy [KnowledgeBase] so the query layer never depends on a
// specific backend.
package rag

import (
	"context"
	"errors"

	"github.com/kestrel-audit/auditrag-go/internal/ingest"
)

// DefaultCollection is the single collection holding the active corpus.
const DefaultCollection = "pdf_knowledge_base"

// DefaultTopK is the number of chunks retrieved per query.
const DefaultTopK = 5

// insertBatchSize bounds how many chunks are embedded and upserted per round
// trip during a corpus rebuild.
const insertBatchSize = 100

// ErrNoKnowledgeBase is returned by Search when no corpus has been ingested
// yet, or after the collection was torn down.
var ErrNoKnowledgeBase = errors.New("rag: knowledge base does not exist, upload a document first")

// Result is one retrieved chunk with its provenance and relevance.
type Result struct {
	// Content is the chunk text.
	Content string
	// Source is the originating filename.
	Source string
	// Page is the 1-based page the chunk came from.
	Page int
	// Similarity is the cosine similarity to the query, in [0, 1] for
	// normalised embeddings. Results are ordered by descending similarity.
	Similarity float64
	// Rank is the 1-based position of this result.
	Rank int
}

// Embedder converts text into dense vector embeddings. Implementations must
// be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their embeddings. The returned
	// slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// KnowledgeBase stores and searches the active corpus. Implementations must
// be safe to call from multiple goroutines.
type KnowledgeBase interface {
	// Replace atomically swaps the whole corpus: any existing collection is
	// dropped before the new chunks are embedded and inserted.
	Replace(ctx context.Context, chunks []ingest.Chunk) error

	// Search embeds the query and returns up to topK results ordered by
	// descending similarity. Returns [ErrNoKnowledgeBase] when no corpus
	// has been ingested.
	Search(ctx context.Context, query string, topK int) ([]Result, error)

	// Teardown removes the collection entirely. Calling it when no
	// collection exists is a no-op.
	Teardown(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
