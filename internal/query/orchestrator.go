package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/prompt"
	"github.com/kestrel-audit/auditrag-go/internal/rag"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
)

var (
	// ErrEmptyQuery rejects a single query with no content.
	ErrEmptyQuery = errors.New("query: empty query")
	// ErrNoRelevantContent means retrieval found nothing for the query.
	ErrNoRelevantContent = errors.New("query: no relevant content in the knowledge base")
)

// Searcher is the retrieval side the orchestrator needs; *rag.QdrantStore
// and *rag.MemoryStore satisfy it.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]rag.Result, error)
}

// Generator produces an answer from a query and its retrieved context;
// *answer.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, query string, qt prompt.QueryType, docs []rag.Result) (*answer.Response, error)
}

// Orchestrator wires retrieval to generation and attributes token usage to
// the ledger. Safe for concurrent use.
type Orchestrator struct {
	store      Searcher
	gen        Generator
	accountant *tokencost.Accountant
	topK       int
	log        *slog.Logger
}

// OrchestratorConfig assembles an [Orchestrator].
type OrchestratorConfig struct {
	// Store retrieves corpus chunks. Required.
	Store Searcher
	// Generator answers queries. Required.
	Generator Generator
	// Accountant writes ledger entries. Optional; usage is simply not
	// recorded without one.
	Accountant *tokencost.Accountant
	// TopK is the number of chunks retrieved per query.
	// Defaults to rag.DefaultTopK.
	TopK int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewOrchestrator validates cfg and constructs an Orchestrator.
func NewOrchestrator(cfg *OrchestratorConfig) (*Orchestrator, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("query: knowledge base store is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("query: answer generator is required")
	}
	o := &Orchestrator{
		store:      cfg.Store,
		gen:        cfg.Generator,
		accountant: cfg.Accountant,
		topK:       cfg.TopK,
		log:        cfg.Logger,
	}
	if o.topK <= 0 {
		o.topK = rag.DefaultTopK
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o, nil
}

// Single answers one free-form question. A non-empty hint or AET cell is
// appended as background so the model sees the worksheet context the user
// was working from.
func (o *Orchestrator) Single(ctx context.Context, q, hint, aet string) (*answer.Response, error) {
	if strings.TrimSpace(q) == "" {
		return nil, ErrEmptyQuery
	}

	text := strings.TrimSpace(q)
	if !skip(hint) || !skip(aet) {
		var b strings.Builder
		b.WriteString(text)
		b.WriteString("\n\nAdditional background information:")
		if !skip(hint) {
			b.WriteString("\nHint: ")
			b.WriteString(strings.TrimSpace(hint))
		}
		if !skip(aet) {
			b.WriteString("\nAET: ")
			b.WriteString(strings.TrimSpace(aet))
		}
		text = b.String()
	}

	resp, err := o.run(ctx, text, prompt.TypeGeneral)
	if err != nil {
		return nil, err
	}
	o.logUsage(resp, "generate_answer", "")
	return resp, nil
}

// Batch processes rows sequentially and returns the results in order. Token
// usage for the whole batch is recorded as a single ledger total.
func (o *Orchestrator) Batch(ctx context.Context, rows []Row) ([]Row, tokencost.Usage, error) {
	out := make([]Row, 0, len(rows))
	var total tokencost.Usage
	var model string

	run := o.recordingRunner(&model)
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return out, total, fmt.Errorf("query: batch cancelled at row %d: %w", i, err)
		}
		processed, usage := ProcessRow(ctx, run, row)
		out = append(out, processed)
		total.Add(usage)
	}

	if o.accountant != nil && model != "" {
		o.accountant.LogUsage(model, total, "batch_query TOTAL", "")
	}
	return out, total, nil
}

// Runner returns a RunnerFunc that retrieves and generates without writing
// the ledger; streaming callers record their own session-scoped totals.
func (o *Orchestrator) Runner() RunnerFunc {
	return o.run
}

// run is one retrieval-then-generate pass.
func (o *Orchestrator) run(ctx context.Context, q string, qt prompt.QueryType) (*answer.Response, error) {
	docs, err := o.store.Search(ctx, q, o.topK)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoRelevantContent
	}
	return o.gen.Generate(ctx, q, qt, docs)
}

// recordingRunner wraps run, remembering the pricing model of the last
// response so batch totals can be costed.
func (o *Orchestrator) recordingRunner(model *string) RunnerFunc {
	return func(ctx context.Context, q string, qt prompt.QueryType) (*answer.Response, error) {
		resp, err := o.run(ctx, q, qt)
		if err == nil && resp.PricingModel != "" {
			*model = resp.PricingModel
		}
		return resp, err
	}
}

func (o *Orchestrator) logUsage(resp *answer.Response, caller, sessionID string) {
	if o.accountant == nil || resp == nil {
		return
	}
	o.accountant.LogUsage(resp.PricingModel, resp.Usage, caller, sessionID)
}
