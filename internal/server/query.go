package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/logging"
	"github.com/kestrel-audit/auditrag-go/internal/query"
	"github.com/kestrel-audit/auditrag-go/internal/rag"
	"github.com/kestrel-audit/auditrag-go/internal/stream"
)

// handleQuery handles POST /api/query: one retrieval-grounded question.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	resp, err := s.queries.Single(r.Context(), req.Question, req.Hint, req.AET)
	outcome := queryOutcome(resp, err)
	s.metrics.queryRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.queryDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, query.ErrEmptyQuery):
		s.writeError(w, http.StatusBadRequest, "question is required")
		return
	case errors.Is(err, rag.ErrNoKnowledgeBase):
		s.writeError(w, http.StatusBadRequest, "no knowledge base; upload a document first")
		return
	case errors.Is(err, query.ErrNoRelevantContent):
		s.writeError(w, http.StatusNotFound, "no relevant content found for this question")
		return
	case err != nil:
		log.Error("query failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "query failed: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, queryResponse{
		Answer:          resp.Answer,
		ReferencedPages: resp.ReferencedPages,
		Degraded:        resp.Degraded,
		TokenUsage: stream.TokenUsage{
			TotalInputTokens:  resp.Usage.InputTokens,
			TotalOutputTokens: resp.Usage.OutputTokens,
		},
		Model: resp.Model,
	})
}

// handleBatchQuery handles POST /api/batch-query: a synchronous worksheet
// run without progress events. Large worksheets should prefer the streaming
// endpoint.
func (s *Server) handleBatchQuery(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Data) == 0 {
		s.writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	rows, usage, err := s.queries.Batch(r.Context(), req.Data)
	if err != nil {
		log.Error("batch query failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "batch query failed: "+err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, batchResponse{
		Data: rows,
		TokenUsage: stream.TokenUsage{
			TotalInputTokens:  usage.InputTokens,
			TotalOutputTokens: usage.OutputTokens,
		},
	})
}

func queryOutcome(resp *answer.Response, err error) string {
	switch {
	case errors.Is(err, query.ErrEmptyQuery),
		errors.Is(err, rag.ErrNoKnowledgeBase),
		errors.Is(err, query.ErrNoRelevantContent):
		return "empty"
	case err != nil:
		return "error"
	case resp != nil && resp.Degraded:
		return "degraded"
	default:
		return "ok"
	}
}
