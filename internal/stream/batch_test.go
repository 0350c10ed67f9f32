package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/logging"
	"github.com/kestrel-audit/auditrag-go/internal/prompt"
	"github.com/kestrel-audit/auditrag-go/internal/query"
	"github.com/kestrel-audit/auditrag-go/internal/rag"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
)

// fakeGenerator serves batch summaries.
type fakeGenerator struct {
	resp  *answer.Response
	err   error
	calls int
	docs  []rag.Result
}

func (g *fakeGenerator) Generate(_ context.Context, _ string, _ prompt.QueryType, docs []rag.Result) (*answer.Response, error) {
	g.calls++
	g.docs = docs
	if g.err != nil {
		return nil, g.err
	}
	return g.resp, nil
}

func queryResponse() *answer.Response {
	return &answer.Response{
		Answer:          "evidence found",
		ReferencedPages: []answer.Page{{Source: "policy.pdf", Page: 3, Similarity: 0.9}},
		Usage:           tokencost.Usage{InputTokens: 10, OutputTokens: 5},
		Model:           "GPT-4.1",
		PricingModel:    "GPT-4.1",
	}
}

func summaryResponse() *answer.Response {
	return &answer.Response{
		Answer:       "All key evidence was collected.",
		Usage:        tokencost.Usage{InputTokens: 7, OutputTokens: 3},
		Model:        "GPT-4.1",
		PricingModel: "GPT-4.1",
	}
}

type engineOpts struct {
	run        query.RunnerFunc
	gen        query.Generator
	accountant *tokencost.Accountant
	maxRounds  int
	sleeps     *[]time.Duration
}

func newTestEngine(t *testing.T, opts engineOpts) *Engine {
	t.Helper()
	if opts.run == nil {
		opts.run = func(context.Context, string, prompt.QueryType) (*answer.Response, error) {
			return queryResponse(), nil
		}
	}
	if opts.gen == nil {
		opts.gen = &fakeGenerator{resp: summaryResponse()}
	}
	n := 0
	e, err := NewEngine(&EngineConfig{
		Runner:     opts.run,
		Generator:  opts.gen,
		Cache:      NewCache(0),
		Control:    NewControl(),
		Accountant: opts.accountant,
		MaxRounds:  opts.maxRounds,
		Logger:     logging.Nop(),
		Sleep: func(_ context.Context, d time.Duration) {
			if opts.sleeps != nil {
				*opts.sleeps = append(*opts.sleeps, d)
			}
		},
		NewID: func() string { n++; return "session-1" },
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

// collect returns an Emitter appending to events.
func collect(events *[]Event) Emitter {
	return func(ev Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func batchRows() []query.Row {
	return []query.Row{
		{query.FieldHint: "quarterly access review"},
		{query.FieldHint: "nan", query.FieldAET: "nan"},
		{query.FieldAET: "AET-7 backup evidence"},
	}
}

func TestRunBatch(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{resp: summaryResponse()}
	e := newTestEngine(t, engineOpts{gen: gen})

	var events []Event
	if err := e.RunBatch(context.Background(), batchRows(), collect(&events)); err != nil {
		t.Fatal(err)
	}

	if len(events) != 7 {
		t.Fatalf("got %d events, want 2 progress per row + 1 complete", len(events))
	}
	// The nan/nan row collects nothing and counts as failed.
	wantSuccess := []bool{true, false, true}
	for i := 0; i < 3; i++ {
		before, after := events[2*i], events[2*i+1]
		if before.Type != "progress" || before.Completed != i || before.Total != 3 {
			t.Errorf("leading event for row %d = %+v", i, before)
		}
		if before.Success != nil {
			t.Errorf("leading event for row %d carries an outcome", i)
		}
		if after.Type != "progress" || after.Completed != i+1 || after.Total != 3 {
			t.Errorf("trailing event for row %d = %+v", i, after)
		}
		for _, ev := range []Event{before, after} {
			if ev.CurrentIndex == nil || *ev.CurrentIndex != i {
				t.Errorf("row %d current_index = %v", i, ev.CurrentIndex)
			}
			if ev.SessionID != "session-1" {
				t.Errorf("row %d session = %q", i, ev.SessionID)
			}
		}
		if after.Success == nil || *after.Success != wantSuccess[i] {
			t.Errorf("trailing event for row %d success = %v, want %v", i, after.Success, wantSuccess[i])
		}
	}

	done := events[6]
	if done.Type != "complete" {
		t.Fatalf("last event type = %q", done.Type)
	}
	if len(done.Data) != 3 {
		t.Errorf("complete data has %d rows", len(done.Data))
	}
	if done.Statistics == nil || done.Statistics.Success != 2 || done.Statistics.Failed != 1 {
		t.Errorf("statistics = %+v", done.Statistics)
	}
	if done.Summary != "All key evidence was collected." {
		t.Errorf("summary = %q", done.Summary)
	}
	// Two real queries at 10/5 plus the summary at 7/3.
	if done.TokenUsage == nil || done.TokenUsage.TotalInputTokens != 27 || done.TokenUsage.TotalOutputTokens != 13 {
		t.Errorf("token usage = %+v", done.TokenUsage)
	}
	if gen.calls != 1 {
		t.Errorf("summary generated %d times, want 1", gen.calls)
	}
	if gen.docs != nil {
		t.Error("summary call carried retrieval docs")
	}

	// The finished run is retrievable by session.
	s, ok := e.cache.Get("session-1")
	if !ok {
		t.Fatal("run not cached")
	}
	if len(s.Data) != 3 {
		t.Errorf("cached data has %d rows", len(s.Data))
	}
}

func TestRunBatch_FailuresCounted(t *testing.T) {
	t.Parallel()

	calls := 0
	run := func(context.Context, string, prompt.QueryType) (*answer.Response, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("backend down")
		}
		return queryResponse(), nil
	}
	e := newTestEngine(t, engineOpts{run: run})

	var events []Event
	rows := []query.Row{
		{query.FieldHint: "first"},
		{query.FieldHint: "second"},
	}
	if err := e.RunBatch(context.Background(), rows, collect(&events)); err != nil {
		t.Fatal(err)
	}

	first := events[1]
	if first.Success == nil || *first.Success {
		t.Error("failed row reported as success")
	}

	done := events[len(events)-1]
	if done.Statistics.Failed != 1 || len(done.Statistics.FailedIndices) != 1 || done.Statistics.FailedIndices[0] != 0 {
		t.Errorf("statistics = %+v", done.Statistics)
	}
	evidence, _ := done.Data[0][query.FieldEvidence].(string)
	if !strings.HasPrefix(evidence, "Query failed: ") {
		t.Errorf("failed row evidence = %q", evidence)
	}
}

func TestRunBatch_SummaryFailureFallsBack(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engineOpts{gen: &fakeGenerator{err: errors.New("llm down")}})

	var events []Event
	if err := e.RunBatch(context.Background(), batchRows(), collect(&events)); err != nil {
		t.Fatal(err)
	}
	done := events[len(events)-1]
	if done.Summary != "Batch completed: 2 of 3 queries succeeded." {
		t.Errorf("fallback summary = %q", done.Summary)
	}
}

func TestCollectStatistics(t *testing.T) {
	t.Parallel()

	rows := []query.Row{
		// One usable side is enough, even beside a failed one.
		{query.FieldEvidence: "access reviews ran quarterly", query.FieldAETEvidence: "Query failed: timeout"},
		{query.FieldEvidence: "Query failed: timeout", query.FieldAETEvidence: "Query failed: timeout"},
		{query.FieldEvidence: query.NoHintEvidence, query.FieldAETEvidence: query.NoAETEvidence},
		{query.FieldEvidence: query.NoHintEvidence, query.FieldAETEvidence: "AET-3 logs located"},
	}

	stats := collectStatistics(rows)
	if stats.Total != 4 || stats.Success != 2 || stats.Failed != 2 {
		t.Errorf("statistics = %+v", stats)
	}
	if len(stats.FailedIndices) != 2 || stats.FailedIndices[0] != 1 || stats.FailedIndices[1] != 2 {
		t.Errorf("failed indices = %v", stats.FailedIndices)
	}
}

func TestRunBatch_EmitErrorAborts(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engineOpts{})
	emitted := 0
	err := e.RunBatch(context.Background(), batchRows(), func(Event) error {
		emitted++
		return errors.New("client gone")
	})
	if err == nil {
		t.Fatal("expected abort on emit error")
	}
	if emitted != 1 {
		t.Errorf("emitted %d events after client left, want 1", emitted)
	}
}

func TestRunBatch_WritesSessionLedgerTotal(t *testing.T) {
	ledgerDir := t.TempDir()
	acct := tokencost.NewAccountant(&tokencost.Config{
		LedgerDir: ledgerDir,
		Logger:    logging.Nop(),
		Sleep:     func(time.Duration) {},
		Now:       func() time.Time { return time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC) },
		LoadEncoder: func(string) (tokencost.Encoder, error) {
			return nil, errors.New("no encoder in tests")
		},
	})
	e := newTestEngine(t, engineOpts{accountant: acct})

	var events []Event
	if err := e.RunBatch(context.Background(), batchRows(), collect(&events)); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(ledgerDir, "2026-08-31_token_usage.txt"))
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, "Caller Method: batch_query_stream TOTAL") {
		t.Errorf("ledger entry = %q", line)
	}
	if !strings.Contains(line, "Session: session-1") {
		t.Errorf("ledger entry missing session: %q", line)
	}
}
