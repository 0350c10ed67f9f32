package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/ingest"
	"github.com/kestrel-audit/auditrag-go/internal/query"
	"github.com/kestrel-audit/auditrag-go/internal/stream"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxUploadBytes caps the size of one corpus upload. Defaults to 50 MiB.
	MaxUploadBytes int64
	// Logger is the structured logger used by the server and its handlers.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives the server's Prometheus metrics and backs GET /metrics.
	// A fresh registry is created if nil, keeping tests hermetic.
	Registry *prometheus.Registry
}

// KnowledgeBase is the corpus side handleUpload needs; *rag.QdrantStore
// satisfies it.
type KnowledgeBase interface {
	Replace(ctx context.Context, chunks []ingest.Chunk) error
}

// Querier answers single questions and synchronous batches;
// *query.Orchestrator satisfies it.
type Querier interface {
	Single(ctx context.Context, q, hint, aet string) (*answer.Response, error)
	Batch(ctx context.Context, rows []query.Row) ([]query.Row, tokencost.Usage, error)
}

// Streamer runs the streaming batch and retry flows; *stream.Engine
// satisfies it.
type Streamer interface {
	RunBatch(ctx context.Context, rows []query.Row, emit stream.Emitter) error
	RunRetry(ctx context.Context, req stream.RetryRequest, emit stream.Emitter) error
}

// Deps are the domain dependencies behind the API surface.
type Deps struct {
	// Store is the knowledge base uploads replace.
	Store KnowledgeBase
	// Queries answers single and batch requests.
	Queries Querier
	// Streams runs the streaming batch and retry endpoints.
	Streams Streamer
	// Cache serves GET /api/session/{id} and POST /api/cleanup-cache.
	Cache *stream.Cache
	// Control serves POST /api/stop-retry.
	Control *stream.Control
}

// Server is the HTTP server exposing the audit evidence API.
type Server struct {
	// store is the knowledge base behind /api/upload.
	store KnowledgeBase
	// queries answers /api/query and /api/batch-query.
	queries Querier
	// streams runs the streaming endpoints.
	streams Streamer
	// cache is the session result cache.
	cache *stream.Cache
	// control coordinates retry stop requests.
	control *stream.Control
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds this instance's Prometheus metrics.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// uploadResponse is the JSON response for POST /api/upload.
type uploadResponse struct {
	// Filename is the uploaded document name.
	Filename string `json:"filename"`
	// Pages is the number of pages that yielded text.
	Pages int `json:"pages"`
	// Chunks is the number of chunks indexed into the knowledge base.
	Chunks int `json:"chunks"`
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Question is the user's natural language question.
	Question string `json:"question"`
	// Hint optionally carries the worksheet hint cell as background.
	Hint string `json:"hint,omitempty"`
	// AET optionally carries the worksheet AET cell as background.
	AET string `json:"aet,omitempty"`
}

// queryResponse is the JSON response for POST /api/query.
type queryResponse struct {
	// Answer is the sanitized answer text.
	Answer string `json:"answer"`
	// ReferencedPages lists the corpus pages backing the answer.
	ReferencedPages []answer.Page `json:"referenced_pages"`
	// Degraded is true when the answer is the degraded-service message.
	Degraded bool `json:"degraded,omitempty"`
	// TokenUsage counts the call's tokens.
	TokenUsage stream.TokenUsage `json:"token_usage"`
	// Model is the serving model that produced the answer.
	Model string `json:"model"`
}

// batchRequest is the JSON body for the batch endpoints.
type batchRequest struct {
	// Data is the worksheet rows to process.
	Data []query.Row `json:"data"`
}

// batchResponse is the JSON response for POST /api/batch-query.
type batchResponse struct {
	// Data is the processed rows, in input order.
	Data []query.Row `json:"data"`
	// TokenUsage totals the batch's tokens.
	TokenUsage stream.TokenUsage `json:"token_usage"`
}

// retryStreamRequest is the JSON body for POST /api/retry-failed-stream.
// AutoRetry is a pointer so an absent field defaults to true.
type retryStreamRequest struct {
	Data          []query.Row `json:"data"`
	FailedIndices []int       `json:"failed_indices"`
	MaxRounds     int         `json:"max_rounds"`
	AutoRetry     *bool       `json:"auto_retry"`
}

// sessionResponse is the JSON response for GET /api/session/{id}.
type sessionResponse struct {
	// SessionID names the cached run.
	SessionID string `json:"session_id"`
	// Data is the run's processed rows.
	Data []query.Row `json:"data"`
	// Statistics summarises the run.
	Statistics stream.Statistics `json:"statistics"`
	// CreatedAt is when the run finished.
	CreatedAt time.Time `json:"created_at"`
}

// errorResponse is the JSON error body for API failures.
type errorResponse struct {
	// Error is the failure description.
	Error string `json:"error"`
}
