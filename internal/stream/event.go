// Package stream implements the long-running batch and retry runs behind the
// streaming endpoints. An Engine walks worksheet rows, emits progress events
// through a caller-supplied Emitter (the HTTP layer turns them into SSE or
// NDJSON frames), caches finished runs per session, and honours cooperative
// stop requests.
package stream

// Event is one frame on a batch or retry stream. Type discriminates; the
// remaining fields are populated per type and omitted otherwise.
type Event struct {
	// Type is one of progress, round_start, round_completed, complete,
	// stopped, error.
	Type string `json:"type"`

	// Round and MaxRounds frame retry progress.
	Round     int `json:"round,omitempty"`
	MaxRounds int `json:"max_rounds,omitempty"`

	// Completed/Total/Percentage describe row progress within a run.
	Completed  int     `json:"completed,omitempty"`
	Total      int     `json:"total,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`

	// Message is a human-readable status line.
	Message string `json:"message,omitempty"`

	// CurrentIndex is the row just processed; a pointer so index 0 is not
	// dropped by omitempty.
	CurrentIndex *int `json:"current_index,omitempty"`
	// Success reports the outcome for CurrentIndex.
	Success *bool `json:"success,omitempty"`

	// SessionID names the run; clients poll the session cache with it.
	SessionID string `json:"session_id,omitempty"`

	// Data carries the full processed rows on complete events.
	Data []map[string]any `json:"data,omitempty"`

	// Statistics summarises a finished batch run.
	Statistics *Statistics `json:"statistics,omitempty"`
	// TokenUsage totals the run's token consumption.
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
	// Summary is the generated executive summary of a batch run.
	Summary string `json:"summary,omitempty"`

	// Per-round retry outcome counts.
	SuccessCount   int   `json:"success_count,omitempty"`
	FailedCount    int   `json:"failed_count,omitempty"`
	SuccessIndices []int `json:"success_indices,omitempty"`
	FailedIndices  []int `json:"failed_indices,omitempty"`

	// TotalRounds and StopReason close out a retry run.
	TotalRounds int    `json:"total_rounds,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
	// RetryStatistics summarises a finished retry run.
	RetryStatistics *RetryStatistics `json:"retry_statistics,omitempty"`

	// Error carries the failure text on error events.
	Error string `json:"error,omitempty"`
}

// Statistics summarises a batch run.
type Statistics struct {
	Total         int   `json:"total"`
	Success       int   `json:"success"`
	Failed        int   `json:"failed"`
	FailedIndices []int `json:"failed_indices"`
}

// TokenUsage totals token consumption over a run.
type TokenUsage struct {
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
}

// RetryStatistics summarises a retry run. Requested indices beyond the data
// bounds are skipped, never failed, and reported separately.
type RetryStatistics struct {
	InitialFailed          int   `json:"initial_failed"`
	Recovered              int   `json:"recovered"`
	StillFailed            int   `json:"still_failed"`
	Skipped                int   `json:"skipped"`
	RemainingFailedIndices []int `json:"remaining_failed_indices"`
	SkippedIndices         []int `json:"skipped_indices"`
}

// Emitter delivers one event to the client. A non-nil error aborts the run;
// the HTTP layer returns one when the connection is gone.
type Emitter func(Event) error

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }
