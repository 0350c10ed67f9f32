package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/logging"
	"github.com/kestrel-audit/auditrag-go/internal/provider"
	"github.com/kestrel-audit/auditrag-go/internal/query"
	"github.com/kestrel-audit/auditrag-go/internal/rag"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
)

// NewQueryCmd constructs the `auditrag query` command, which answers a single
// natural language question from the ingested corpus.
func NewQueryCmd() *cobra.Command {
	var hint string
	var aet string

	cmd := &cobra.Command{
		Use:   "query [question]",
		Short: "Ask a question against the ingested corpus",
		Long: `Answer a single natural language question grounded in the uploaded corpus.

The answer cites the corpus pages it was drawn from. Optional --hint and
--aet flags attach worksheet context the same way a batch row would.

Examples:
  auditrag query "When was the last access review performed?"
  auditrag query --hint "Policy section 4.2" "What is the password rotation interval?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("query: failed to initialise model provider: %w", err)
			}

			settingsStore, err := openSettings(log)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer func() { _ = settingsStore.Close() }()

			kb, err := buildKnowledgeBase(log)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer func() { _ = kb.Close() }()

			accountant := tokencost.NewAccountant(&tokencost.Config{Logger: log})

			gen, err := answer.NewGenerator(&answer.Config{
				Model:      chatModel,
				Settings:   settingsStore,
				Accountant: accountant,
				Logger:     log,
			})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			orch, err := query.NewOrchestrator(&query.OrchestratorConfig{
				Store:      kb,
				Generator:  gen,
				Accountant: accountant,
				Logger:     log,
			})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			resp, err := orch.Single(ctx, args[0], hint, aet)
			switch {
			case errors.Is(err, rag.ErrNoKnowledgeBase):
				return fmt.Errorf("query: no knowledge base yet — run 'auditrag ingest' first")
			case errors.Is(err, query.ErrNoRelevantContent):
				return fmt.Errorf("query: the corpus contains nothing relevant to this question")
			case err != nil:
				return fmt.Errorf("query: %w", err)
			}

			fmt.Println(resp.Answer)
			if len(resp.ReferencedPages) > 0 {
				fmt.Println("\nReferences:")
				for _, p := range resp.ReferencedPages {
					fmt.Printf("  %s Page %d (Similarity: %.1f%%)\n", p.Source, p.Page, p.Similarity*100)
				}
			}
			fmt.Printf("\nTokens: %d in / %d out (model: %s)\n",
				resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Model)
			return nil
		},
	}

	cmd.Flags().StringVar(&hint, "hint", "", "Worksheet hint cell to attach as background")
	cmd.Flags().StringVar(&aet, "aet", "", "Worksheet AET cell to attach as background")

	return cmd
}
