package server

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/kestrel-audit/auditrag-go/internal/ingest"
	"github.com/kestrel-audit/auditrag-go/internal/logging"
)

// handleUpload handles POST /api/upload. The request is a multipart form
// with a single "file" field holding a PDF. The document is chunked and
// replaces the knowledge base wholesale: the corpus always reflects exactly
// one uploaded document set.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		s.writeError(w, http.StatusBadRequest, "only PDF files are supported")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		s.writeError(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	chunks, err := ingest.ExtractChunks(data, header.Filename)
	if err != nil {
		s.metrics.uploadsTotal.WithLabelValues("rejected").Inc()
		if errors.Is(err, ingest.ErrNoExtractableText) {
			s.writeError(w, http.StatusBadRequest,
				"no extractable text in document; scanned PDFs are not supported")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to parse PDF: "+err.Error())
		return
	}

	if err := s.store.Replace(r.Context(), chunks); err != nil {
		s.metrics.uploadsTotal.WithLabelValues("error").Inc()
		log.Error("upload: knowledge base replace failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to index document")
		return
	}

	s.metrics.uploadsTotal.WithLabelValues("ok").Inc()
	log.Info("upload: corpus replaced",
		"filename", header.Filename,
		"chunks", len(chunks),
	)
	s.writeJSON(w, http.StatusOK, uploadResponse{
		Filename: header.Filename,
		Pages:    countPages(chunks),
		Chunks:   len(chunks),
	})
}

// countPages counts the distinct pages that produced chunks.
func countPages(chunks []ingest.Chunk) int {
	pages := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		pages[c.Page] = true
	}
	return len(pages)
}
