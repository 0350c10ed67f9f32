package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/prompt"
	"github.com/kestrel-audit/auditrag-go/internal/query"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
)

// defaultMaxRounds caps retry rounds per run.
const defaultMaxRounds = 5

// summarySnippetLen truncates per-row evidence in the summary prompt.
const summarySnippetLen = 200

// Engine executes streaming batch and retry runs.
type Engine struct {
	run        query.RunnerFunc
	gen        query.Generator
	cache      *Cache
	control    *Control
	accountant *tokencost.Accountant
	maxRounds  int
	log        *slog.Logger
	sleep      func(context.Context, time.Duration)
	newID      func() string
}

// EngineConfig assembles an [Engine].
type EngineConfig struct {
	// Runner executes one retrieval-grounded query. Required.
	Runner query.RunnerFunc
	// Generator is called directly (without retrieval) for run summaries.
	// Required.
	Generator query.Generator
	// Cache stores finished runs. Required.
	Cache *Cache
	// Control coordinates retry stop requests. Required.
	Control *Control
	// Accountant records per-run ledger totals. Optional.
	Accountant *tokencost.Accountant
	// MaxRounds caps retry rounds. Defaults to 5.
	MaxRounds int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Sleep paces retry rounds; tests replace it.
	Sleep func(context.Context, time.Duration)
	// NewID mints session IDs. Defaults to uuid.NewString.
	NewID func() string
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil || cfg.Runner == nil {
		return nil, fmt.Errorf("stream: query runner is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("stream: answer generator is required")
	}
	if cfg.Cache == nil || cfg.Control == nil {
		return nil, fmt.Errorf("stream: cache and control are required")
	}
	e := &Engine{
		run:        cfg.Runner,
		gen:        cfg.Generator,
		cache:      cfg.Cache,
		control:    cfg.Control,
		accountant: cfg.Accountant,
		maxRounds:  cfg.MaxRounds,
		log:        cfg.Logger,
		sleep:      cfg.Sleep,
		newID:      cfg.NewID,
	}
	if e.maxRounds <= 0 {
		e.maxRounds = defaultMaxRounds
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.sleep == nil {
		e.sleep = func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		}
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// RunBatch processes rows in order, emitting a progress event before and
// after each row and a final complete event carrying the data, statistics,
// token totals, and an executive summary. The finished run is cached under
// the returned session ID for later retrieval. An emit error aborts the run.
func (e *Engine) RunBatch(ctx context.Context, rows []query.Row, emit Emitter) error {
	sessionID := e.newID()
	total := len(rows)

	var usage tokencost.Usage
	var model string
	run := e.recordingRunner(&model)

	results := make([]query.Row, 0, total)
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return e.emitError(emit, sessionID, fmt.Sprintf("batch cancelled at row %d: %v", i, err))
		}
		if err := emit(Event{
			Type:         "progress",
			Completed:    i,
			Total:        total,
			Percentage:   percentage(i, total),
			CurrentIndex: intPtr(i),
			Message:      fmt.Sprintf("Processing record %d of %d", i+1, total),
			SessionID:    sessionID,
		}); err != nil {
			return fmt.Errorf("stream: emit progress: %w", err)
		}

		processed, u := query.ProcessRow(ctx, run, row)
		results = append(results, processed)
		usage.Add(u)

		ok := query.RowSucceeded(processed)
		if err := emit(Event{
			Type:         "progress",
			Completed:    i + 1,
			Total:        total,
			Percentage:   percentage(i+1, total),
			CurrentIndex: intPtr(i),
			Success:      boolPtr(ok),
			SessionID:    sessionID,
		}); err != nil {
			return fmt.Errorf("stream: emit progress: %w", err)
		}
	}

	stats := collectStatistics(results)

	summary, summaryUsage, summaryModel := e.summarize(ctx, results, stats)
	usage.Add(summaryUsage)
	if model == "" {
		model = summaryModel
	}

	e.cache.Put(sessionID, results, stats)
	if e.accountant != nil && model != "" {
		e.accountant.LogUsage(model, usage, "batch_query_stream TOTAL", sessionID)
	}

	if err := emit(Event{
		Type:       "complete",
		SessionID:  sessionID,
		Data:       results,
		Statistics: &stats,
		TokenUsage: &TokenUsage{TotalInputTokens: usage.InputTokens, TotalOutputTokens: usage.OutputTokens},
		Summary:    summary,
	}); err != nil {
		return fmt.Errorf("stream: emit complete: %w", err)
	}
	return nil
}

// summarize asks the model for an executive summary of the run. This call
// skips retrieval: the evidence is already in the results. Failures degrade
// to a plain counts line so the run still completes.
func (e *Engine) summarize(ctx context.Context, results []query.Row, stats Statistics) (string, tokencost.Usage, string) {
	fallback := fmt.Sprintf("Batch completed: %d of %d queries succeeded.", stats.Success, stats.Total)
	if stats.Total == 0 {
		return fallback, tokencost.Usage{}, ""
	}

	resp, err := e.gen.Generate(ctx, summaryQuery(results, stats), prompt.TypeSummary, nil)
	if err != nil {
		e.log.Warn("stream: summary generation failed", "error", err)
		return fallback, tokencost.Usage{}, ""
	}
	return resp.Answer, resp.Usage, resp.PricingModel
}

// summaryQuery renders the run outcome as a summarisation request.
func summaryQuery(results []query.Row, stats Statistics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write an executive summary of this audit evidence collection run. "+
		"%d of %d queries succeeded.\n\nCollected evidence:\n", stats.Success, stats.Total)
	for i, row := range results {
		evidence, _ := row[query.FieldEvidence].(string)
		if evidence == "" {
			evidence, _ = row[query.FieldAETEvidence].(string)
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncate(evidence, summarySnippetLen))
	}
	return b.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}

// collectStatistics classifies processed rows.
func collectStatistics(results []query.Row) Statistics {
	stats := Statistics{Total: len(results), FailedIndices: []int{}}
	for i, row := range results {
		if query.RowSucceeded(row) {
			stats.Success++
		} else {
			stats.Failed++
			stats.FailedIndices = append(stats.FailedIndices, i)
		}
	}
	return stats
}

// recordingRunner wraps the engine's runner, remembering the pricing model
// of the last response for ledger attribution.
func (e *Engine) recordingRunner(model *string) query.RunnerFunc {
	return func(ctx context.Context, q string, qt prompt.QueryType) (*answer.Response, error) {
		resp, err := e.run(ctx, q, qt)
		if err == nil && resp.PricingModel != "" {
			*model = resp.PricingModel
		}
		return resp, err
	}
}

func (e *Engine) emitError(emit Emitter, sessionID, msg string) error {
	if err := emit(Event{Type: "error", SessionID: sessionID, Error: msg}); err != nil {
		return fmt.Errorf("stream: emit error event: %w", err)
	}
	return nil
}

func percentage(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}
