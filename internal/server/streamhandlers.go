package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kestrel-audit/auditrag-go/internal/logging"
	"github.com/kestrel-audit/auditrag-go/internal/stream"
)

// handleBatchQueryStream handles POST /api/batch-query-stream. Progress and
// the final result are streamed as Server-Sent Events, one JSON event per
// data frame.
func (s *Server) handleBatchQueryStream(w http.ResponseWriter, r *http.Request) {
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

	emit, ok := s.sseEmitter(w)
	if !ok {
		return
	}

	s.metrics.streamActiveRuns.Inc()
	defer s.metrics.streamActiveRuns.Dec()

	if err := s.streams.RunBatch(r.Context(), req.Data, emit); err != nil {
		// The emitter already failed; the client is gone.
		log.Warn("batch stream aborted", "error", err)
	}
}

// handleRetryStream handles POST /api/retry-failed-stream, re-running failed
// rows from an earlier batch over SSE.
func (s *Server) handleRetryStream(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req retryStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Data) == 0 {
		s.writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	if len(req.FailedIndices) == 0 {
		s.writeError(w, http.StatusBadRequest, "failed_indices is required")
		return
	}

	autoRetry := true
	if req.AutoRetry != nil {
		autoRetry = *req.AutoRetry
	}

	emit, ok := s.sseEmitter(w)
	if !ok {
		return
	}

	s.metrics.streamActiveRuns.Inc()
	defer s.metrics.streamActiveRuns.Dec()

	err := s.streams.RunRetry(r.Context(), stream.RetryRequest{
		Data:          req.Data,
		FailedIndices: req.FailedIndices,
		MaxRounds:     req.MaxRounds,
		AutoRetry:     autoRetry,
	}, emit)
	if err != nil {
		log.Warn("retry stream aborted", "error", err)
	}
}

// handleStopRetry handles POST /api/stop-retry: the active retry run halts
// at its next checkpoint.
func (s *Server) handleStopRetry(w http.ResponseWriter, r *http.Request) {
	s.control.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleSession handles GET /api/session/{id}, returning a cached run.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.cache.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "session not found or expired")
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:  sess.ID,
		Data:       sess.Data,
		Statistics: sess.Statistics,
		CreatedAt:  sess.CreatedAt,
	})
}

// handleCleanupCache handles POST /api/cleanup-cache, evicting expired
// sessions eagerly.
func (s *Server) handleCleanupCache(w http.ResponseWriter, r *http.Request) {
	evicted := s.cache.CleanupExpired()
	s.writeJSON(w, http.StatusOK, map[string]int{"evicted": evicted})
}

// sseEmitter sets SSE headers on w and returns an Emitter writing each event
// as one JSON data frame. ok is false when w cannot stream; an error has
// already been written in that case.
func (s *Server) sseEmitter(w http.ResponseWriter) (stream.Emitter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return func(ev stream.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, true
}
