package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel-audit/auditrag-go/internal/prompt"
	"github.com/kestrel-audit/auditrag-go/internal/query"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
)

// maxRetryDelay caps the per-record backoff in later rounds.
const maxRetryDelay = 10 * time.Second

// Stop reasons reported on retry completion.
const (
	StopAllSuccessful = "All successful"
	StopUserRequested = "User stopped"
	StopAutoDisabled  = "Auto retry disabled"
)

// RetryRequest describes a retry run over a previously processed batch.
type RetryRequest struct {
	// Data is the full batch result set; retried rows are updated in place
	// in the returned copy.
	Data []query.Row `json:"data"`
	// FailedIndices selects the rows to retry. Out-of-range entries are
	// never queried; they are counted as skipped in the final statistics.
	FailedIndices []int `json:"failed_indices"`
	// MaxRounds caps retry rounds for this run; 0 selects the engine
	// default.
	MaxRounds int `json:"max_rounds"`
	// AutoRetry continues into further rounds while failures remain. When
	// false the run stops after one round.
	AutoRetry bool `json:"auto_retry"`
}

// RunRetry re-runs the failed rows of a batch, round by round, emitting
// round_start, progress, and round_completed events, then a final complete
// (or stopped) event. Rounds after the first pace each record with an
// exponential backoff. A concurrent Stop, or a newer retry run claiming the
// control slot, halts the run at the next checkpoint.
func (e *Engine) RunRetry(ctx context.Context, req RetryRequest, emit Emitter) error {
	sessionID := e.newID()
	e.control.Claim(sessionID)

	maxRounds := req.MaxRounds
	if maxRounds <= 0 || maxRounds > e.maxRounds {
		maxRounds = e.maxRounds
	}

	data := make([]query.Row, len(req.Data))
	copy(data, req.Data)

	valid, skipped := e.splitIndices(req.FailedIndices, len(data))
	initialFailed := len(valid) + len(skipped)
	failed := valid

	var usage tokencost.Usage
	var model string
	run := e.recordingRunner(&model)

	rounds := 0
	stopReason := ""

loop:
	for round := 1; ; round++ {
		// Stop requests take precedence over every other exit condition.
		if e.control.ShouldStop(sessionID) {
			return e.emitStopped(emit, sessionID, data, rounds)
		}
		if len(failed) == 0 {
			stopReason = StopAllSuccessful
			break
		}
		if round > maxRounds {
			stopReason = fmt.Sprintf("Reached max retry rounds (%d)", maxRounds)
			break
		}
		rounds = round

		if err := emit(Event{
			Type:        "round_start",
			Round:       round,
			MaxRounds:   maxRounds,
			FailedCount: len(failed),
			Message:     fmt.Sprintf("Retry round %d of %d: %d records", round, maxRounds, len(failed)),
			SessionID:   sessionID,
		}); err != nil {
			return fmt.Errorf("stream: emit round_start: %w", err)
		}

		var succeeded, stillFailed []int
		for n, idx := range failed {
			if e.control.ShouldStop(sessionID) {
				return e.emitStopped(emit, sessionID, data, rounds)
			}
			if round >= 2 {
				e.sleep(ctx, retryDelay(round))
				if err := ctx.Err(); err != nil {
					return e.emitError(emit, sessionID, fmt.Sprintf("retry cancelled: %v", err))
				}
			}

			updated, u := e.retryRow(ctx, run, data[idx])
			data[idx] = updated
			usage.Add(u)

			ok := query.RowSucceeded(updated)
			if ok {
				succeeded = append(succeeded, idx)
			} else {
				stillFailed = append(stillFailed, idx)
			}

			if err := emit(Event{
				Type:         "progress",
				Round:        round,
				Completed:    n + 1,
				Total:        len(failed),
				Percentage:   percentage(n+1, len(failed)),
				CurrentIndex: intPtr(idx),
				Success:      boolPtr(ok),
				SessionID:    sessionID,
			}); err != nil {
				return fmt.Errorf("stream: emit progress: %w", err)
			}
		}

		if err := emit(Event{
			Type:           "round_completed",
			Round:          round,
			SuccessCount:   len(succeeded),
			FailedCount:    len(stillFailed),
			SuccessIndices: succeeded,
			FailedIndices:  stillFailed,
			SessionID:      sessionID,
		}); err != nil {
			return fmt.Errorf("stream: emit round_completed: %w", err)
		}

		failed = stillFailed
		if !req.AutoRetry {
			if len(failed) == 0 {
				stopReason = StopAllSuccessful
			} else {
				stopReason = StopAutoDisabled
			}
			break loop
		}
	}

	stats := collectStatistics(data)
	e.cache.Put(sessionID, data, stats)
	if e.accountant != nil && model != "" {
		e.accountant.LogUsage(model, usage, "retry_failed_stream TOTAL", sessionID)
	}

	if failed == nil {
		failed = []int{}
	}
	if err := emit(Event{
		Type:        "complete",
		SessionID:   sessionID,
		Data:        data,
		Statistics:  &stats,
		TokenUsage:  &TokenUsage{TotalInputTokens: usage.InputTokens, TotalOutputTokens: usage.OutputTokens},
		TotalRounds: rounds,
		StopReason:  stopReason,
		RetryStatistics: &RetryStatistics{
			InitialFailed:          initialFailed,
			Recovered:              len(valid) - len(failed),
			StillFailed:            len(failed),
			Skipped:                len(skipped),
			RemainingFailedIndices: failed,
			SkippedIndices:         skipped,
		},
	}); err != nil {
		return fmt.Errorf("stream: emit complete: %w", err)
	}
	return nil
}

// retryRow re-runs the query for one failed row and returns an updated copy.
func (e *Engine) retryRow(ctx context.Context, run query.RunnerFunc, row query.Row) (query.Row, tokencost.Usage) {
	out := make(query.Row, len(row))
	for k, v := range row {
		out[k] = v
	}

	q, qt, ok := query.RetryQuery(row)
	if !ok {
		out[query.FieldEvidence] = query.NoQueryInfo
		out[query.FieldReference] = query.NoQueryInfoReference
		return out, tokencost.Usage{}
	}

	evidenceField, referenceField := query.FieldEvidence, query.FieldReference
	if qt == prompt.TypeAET {
		evidenceField, referenceField = query.FieldAETEvidence, query.FieldAETReference
	}

	resp, err := run(ctx, q, qt)
	if err != nil {
		out[evidenceField] = fmt.Sprintf("Still failed after retry: %v", err)
		out[referenceField] = query.NoReference
		return out, tokencost.Usage{}
	}
	out[evidenceField] = resp.Answer
	out[referenceField] = query.FormatReferences(resp.ReferencedPages)
	return out, resp.Usage
}

// retryDelay paces records in round two and later: 1s, 2s, 4s... capped at
// ten seconds.
func retryDelay(round int) time.Duration {
	d := time.Second << (round - 2)
	if d > maxRetryDelay || d <= 0 {
		return maxRetryDelay
	}
	return d
}

// splitIndices separates idxs into those addressing data and those out of
// range, preserving order and dropping duplicates. Out-of-range indices are
// reported as skipped, never retried.
func (e *Engine) splitIndices(idxs []int, n int) (valid, skipped []int) {
	seen := make(map[int]bool, len(idxs))
	valid = make([]int, 0, len(idxs))
	skipped = make([]int, 0)
	for _, i := range idxs {
		if seen[i] {
			continue
		}
		seen[i] = true
		if i < 0 || i >= n {
			e.log.Warn("stream: retry index out of range, skipping", "index", i, "rows", n)
			skipped = append(skipped, i)
			continue
		}
		valid = append(valid, i)
	}
	return valid, skipped
}

func (e *Engine) emitStopped(emit Emitter, sessionID string, data []query.Row, rounds int) error {
	stats := collectStatistics(data)
	e.cache.Put(sessionID, data, stats)
	if err := emit(Event{
		Type:        "stopped",
		SessionID:   sessionID,
		Data:        data,
		Statistics:  &stats,
		TotalRounds: rounds,
		StopReason:  StopUserRequested,
		Message:     "Retry stopped by user request",
	}); err != nil {
		return fmt.Errorf("stream: emit stopped: %w", err)
	}
	return nil
}
