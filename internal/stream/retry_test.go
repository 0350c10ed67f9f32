package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/prompt"
	"github.com/kestrel-audit/auditrag-go/internal/query"
)

func retryData() []query.Row {
	rows := make([]query.Row, 6)
	for i := range rows {
		rows[i] = query.Row{query.FieldHint: "hint", query.FieldEvidence: "found"}
	}
	rows[2] = query.Row{query.FieldHint: "failed hint", query.FieldEvidence: "Query failed: x"}
	rows[5] = query.Row{query.FieldHint: "another failed hint", query.FieldEvidence: "Query failed: y"}
	return rows
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRunRetry_ExhaustsRounds(t *testing.T) {
	t.Parallel()

	var sleeps []time.Duration
	run := func(context.Context, string, prompt.QueryType) (*answer.Response, error) {
		return nil, errors.New("still down")
	}
	e := newTestEngine(t, engineOpts{run: run, sleeps: &sleeps})

	var events []Event
	req := RetryRequest{
		Data:          retryData(),
		FailedIndices: []int{2, 5, 99},
		MaxRounds:     3,
		AutoRetry:     true,
	}
	if err := e.RunRetry(context.Background(), req, collect(&events)); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"round_start", "progress", "progress", "round_completed",
		"round_start", "progress", "progress", "round_completed",
		"round_start", "progress", "progress", "round_completed",
		"complete",
	}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}

	// Round one runs immediately; rounds two and three pace each record.
	wantSleeps := []time.Duration{time.Second, time.Second, 2 * time.Second, 2 * time.Second}
	if len(sleeps) != len(wantSleeps) {
		t.Fatalf("got %d sleeps %v, want %v", len(sleeps), sleeps, wantSleeps)
	}
	for i := range wantSleeps {
		if sleeps[i] != wantSleeps[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], wantSleeps[i])
		}
	}

	done := events[len(events)-1]
	if done.StopReason != "Reached max retry rounds (3)" {
		t.Errorf("stop reason = %q", done.StopReason)
	}
	if done.TotalRounds != 3 {
		t.Errorf("total rounds = %d", done.TotalRounds)
	}
	rs := done.RetryStatistics
	if rs == nil || rs.InitialFailed != 3 || rs.Recovered != 0 || rs.StillFailed != 2 {
		t.Errorf("retry statistics = %+v", rs)
	}
	if len(rs.RemainingFailedIndices) != 2 || rs.RemainingFailedIndices[0] != 2 || rs.RemainingFailedIndices[1] != 5 {
		t.Errorf("remaining indices = %v", rs.RemainingFailedIndices)
	}
	// Index 99 addresses no row: skipped, never failed, never queried.
	if rs.Skipped != 1 || len(rs.SkippedIndices) != 1 || rs.SkippedIndices[0] != 99 {
		t.Errorf("skipped = %d, indices = %v", rs.Skipped, rs.SkippedIndices)
	}

	evidence, _ := done.Data[2][query.FieldEvidence].(string)
	if !strings.HasPrefix(evidence, "Still failed after retry: ") {
		t.Errorf("retried evidence = %q", evidence)
	}
	// Untouched rows keep their original evidence.
	if done.Data[0][query.FieldEvidence] != "found" {
		t.Errorf("row 0 modified: %v", done.Data[0])
	}
}

func TestRunRetry_RecoversFirstRound(t *testing.T) {
	t.Parallel()

	var sleeps []time.Duration
	e := newTestEngine(t, engineOpts{sleeps: &sleeps})

	var events []Event
	req := RetryRequest{Data: retryData(), FailedIndices: []int{2, 5}, AutoRetry: true}
	if err := e.RunRetry(context.Background(), req, collect(&events)); err != nil {
		t.Fatal(err)
	}

	done := events[len(events)-1]
	if done.Type != "complete" || done.StopReason != StopAllSuccessful {
		t.Fatalf("final event = %+v", done)
	}
	if done.TotalRounds != 1 {
		t.Errorf("total rounds = %d, want 1", done.TotalRounds)
	}
	if len(sleeps) != 0 {
		t.Errorf("first round slept: %v", sleeps)
	}
	rs := done.RetryStatistics
	if rs.Recovered != 2 || rs.StillFailed != 0 {
		t.Errorf("retry statistics = %+v", rs)
	}
	if done.Data[2][query.FieldEvidence] != "evidence found" {
		t.Errorf("recovered evidence = %q", done.Data[2][query.FieldEvidence])
	}
	if done.Data[2][query.FieldReference] != "policy.pdf Page 3 (Similarity: 90.0%)" {
		t.Errorf("recovered reference = %q", done.Data[2][query.FieldReference])
	}
}

func TestRunRetry_AETRowWritesAETFields(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engineOpts{})

	data := []query.Row{{query.FieldAET: "AET-3 log review", query.FieldAETEvidence: "Query failed: x"}}
	var events []Event
	req := RetryRequest{Data: data, FailedIndices: []int{0}, AutoRetry: true}
	if err := e.RunRetry(context.Background(), req, collect(&events)); err != nil {
		t.Fatal(err)
	}

	done := events[len(events)-1]
	if done.Data[0][query.FieldAETEvidence] != "evidence found" {
		t.Errorf("aet evidence = %q", done.Data[0][query.FieldAETEvidence])
	}
	if _, ok := done.Data[0][query.FieldEvidence]; ok {
		t.Error("hint evidence written for an AET-only row")
	}
}

func TestRunRetry_NoQueryInfo(t *testing.T) {
	t.Parallel()

	run := func(context.Context, string, prompt.QueryType) (*answer.Response, error) {
		t.Error("runner called for a row with no query cells")
		return nil, errors.New("unreachable")
	}
	e := newTestEngine(t, engineOpts{run: run})

	data := []query.Row{{"Matter": "orphan row"}}
	var events []Event
	req := RetryRequest{Data: data, FailedIndices: []int{0}, AutoRetry: true}
	if err := e.RunRetry(context.Background(), req, collect(&events)); err != nil {
		t.Fatal(err)
	}

	done := events[len(events)-1]
	if done.Data[0][query.FieldEvidence] != query.NoQueryInfo {
		t.Errorf("evidence = %q", done.Data[0][query.FieldEvidence])
	}
	if done.Data[0][query.FieldReference] != query.NoQueryInfoReference {
		t.Errorf("reference = %q", done.Data[0][query.FieldReference])
	}
	// Such rows can never succeed again; they leave the retry set.
	if done.TotalRounds != 1 || done.StopReason != StopAllSuccessful {
		t.Errorf("rounds = %d, reason = %q", done.TotalRounds, done.StopReason)
	}
}

func TestRunRetry_OutOfRangeCountedSkipped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engineOpts{})

	data := []query.Row{{query.FieldHint: "failed hint", query.FieldEvidence: "Query failed: x"}}
	var events []Event
	req := RetryRequest{Data: data, FailedIndices: []int{0, 99}, AutoRetry: true}
	if err := e.RunRetry(context.Background(), req, collect(&events)); err != nil {
		t.Fatal(err)
	}

	done := events[len(events)-1]
	if done.Type != "complete" || done.StopReason != StopAllSuccessful {
		t.Fatalf("final event = %+v", done)
	}
	rs := done.RetryStatistics
	if rs.InitialFailed != 2 || rs.Recovered != 1 || rs.StillFailed != 0 {
		t.Errorf("retry statistics = %+v", rs)
	}
	if rs.Skipped != 1 || len(rs.SkippedIndices) != 1 || rs.SkippedIndices[0] != 99 {
		t.Errorf("skipped = %d, indices = %v", rs.Skipped, rs.SkippedIndices)
	}
}

func TestRunRetry_StopBeatsAllSuccessful(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engineOpts{})

	// Stop lands while the last failed record is being reported; the run must
	// end with a stopped event, not "All successful".
	var events []Event
	emit := func(ev Event) error {
		events = append(events, ev)
		if ev.Type == "round_completed" {
			e.control.Stop()
		}
		return nil
	}
	req := RetryRequest{Data: retryData(), FailedIndices: []int{2}, AutoRetry: true}
	if err := e.RunRetry(context.Background(), req, emit); err != nil {
		t.Fatal(err)
	}

	got := eventTypes(events)
	want := []string{"round_start", "progress", "round_completed", "stopped"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	if events[len(events)-1].StopReason != StopUserRequested {
		t.Errorf("stop reason = %q", events[len(events)-1].StopReason)
	}
}

func TestRunRetry_AutoRetryDisabled(t *testing.T) {
	t.Parallel()

	run := func(context.Context, string, prompt.QueryType) (*answer.Response, error) {
		return nil, errors.New("still down")
	}
	e := newTestEngine(t, engineOpts{run: run})

	var events []Event
	req := RetryRequest{Data: retryData(), FailedIndices: []int{2, 5}, AutoRetry: false}
	if err := e.RunRetry(context.Background(), req, collect(&events)); err != nil {
		t.Fatal(err)
	}

	done := events[len(events)-1]
	if done.TotalRounds != 1 {
		t.Errorf("total rounds = %d, want 1", done.TotalRounds)
	}
	if done.StopReason != StopAutoDisabled {
		t.Errorf("stop reason = %q", done.StopReason)
	}
}

func TestRunRetry_StopMidRound(t *testing.T) {
	t.Parallel()

	run := func(context.Context, string, prompt.QueryType) (*answer.Response, error) {
		return nil, errors.New("still down")
	}
	e := newTestEngine(t, engineOpts{run: run})

	var events []Event
	emit := func(ev Event) error {
		events = append(events, ev)
		if ev.Type == "progress" {
			e.control.Stop()
		}
		return nil
	}
	req := RetryRequest{Data: retryData(), FailedIndices: []int{2, 5}, AutoRetry: true}
	if err := e.RunRetry(context.Background(), req, emit); err != nil {
		t.Fatal(err)
	}

	got := eventTypes(events)
	want := []string{"round_start", "progress", "stopped"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	done := events[len(events)-1]
	if done.StopReason != StopUserRequested {
		t.Errorf("stop reason = %q", done.StopReason)
	}
	// The partial run is still cached for inspection.
	if _, ok := e.cache.Get(done.SessionID); !ok {
		t.Error("stopped run not cached")
	}
}

func TestRunRetry_NewRunSupersedesOld(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engineOpts{})
	e.control.Claim("older-session")

	var events []Event
	req := RetryRequest{Data: retryData(), FailedIndices: []int{2}, AutoRetry: true}
	if err := e.RunRetry(context.Background(), req, collect(&events)); err != nil {
		t.Fatal(err)
	}
	// Claiming inside RunRetry makes this run current, so it proceeds.
	if events[len(events)-1].Type != "complete" {
		t.Errorf("final event = %q", events[len(events)-1].Type)
	}

	if !e.control.ShouldStop("older-session") {
		t.Error("older session not superseded")
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		round int
		want  time.Duration
	}{
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.round); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.round, got, tt.want)
		}
	}
}
