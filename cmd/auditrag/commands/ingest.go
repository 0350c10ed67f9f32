package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kestrel-audit/auditrag-go/internal/ingest"
	"github.com/kestrel-audit/auditrag-go/internal/logging"
)

// NewIngestCmd constructs the `auditrag ingest` command, which builds the
// knowledge base from local PDF files.
func NewIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [file.pdf ...]",
		Short: "Build the knowledge base from local PDF documents",
		Long: `Extract text from local PDF files and index it into the Qdrant knowledge base.

Ingestion replaces the whole corpus: the previous collection is dropped and
rebuilt from the given files. Scanned PDFs without an extractable text layer
are rejected.

Required environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: pdf_knowledge_base)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  EMBEDDING_PROVIDER   Embedding backend: ollama, openai, azure (default: ollama)
  EMBEDDING_*          Provider-specific overrides (see README)

Examples:
  auditrag ingest ./policies/security-policy.pdf
  auditrag ingest report-2025.pdf appendix.pdf`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			for _, path := range args {
				if !strings.EqualFold(filepath.Ext(path), ".pdf") {
					return fmt.Errorf("ingest: %s is not a PDF file", path)
				}
			}

			var chunks []ingest.Chunk
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("ingest: read %s: %w", path, err)
				}
				fileChunks, err := ingest.ExtractChunks(data, filepath.Base(path))
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
				log.Info("document extracted",
					slog.String("file", filepath.Base(path)),
					slog.Int("chunks", len(fileChunks)),
				)
				chunks = append(chunks, fileChunks...)
			}

			kb, err := buildKnowledgeBase(log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer func() { _ = kb.Close() }()

			log.Info("rebuilding knowledge base", slog.Int("chunks", len(chunks)))
			if err := kb.Replace(ctx, chunks); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			fmt.Printf("Indexed %d chunks from %d file(s).\n", len(chunks), len(args))
			return nil
		},
	}

	return cmd
}
