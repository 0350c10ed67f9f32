// Package ingest turns uploaded PDF documents into overlapping text chunks
// with page-level provenance. Each chunk records the source filename and the
// 1-based page it came from so answers can cite exact pages later.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	// chunkSize is the maximum chunk length in characters.
	chunkSize = 1000
	// chunkOverlap is the target character overlap between adjacent chunks.
	chunkOverlap = 200
)

// ErrNoExtractableText is returned when a PDF parses but yields no text on
// any page (scanned images, empty documents).
var ErrNoExtractableText = errors.New("ingest: no extractable text in document")

// Chunk is one retrievable unit of corpus text.
type Chunk struct {
	// Content is the chunk text.
	Content string
	// Source is the originating filename.
	Source string
	// Page is the 1-based page number the chunk came from.
	Page int
	// ChunkID uniquely identifies the chunk within its source.
	ChunkID string
}

// ExtractChunks parses raw PDF bytes and returns its text split into chunks.
// Pages without extractable text are skipped; if every page is empty the
// result is [ErrNoExtractableText].
func ExtractChunks(data []byte, filename string) ([]Chunk, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("ingest: parse %s: %w", filename, err)
	}

	var chunks []Chunk
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, chunkPage(text, filename, pageNum)...)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoExtractableText, filename)
	}
	return chunks, nil
}

// chunkPage splits one page's text and attaches provenance.
func chunkPage(text, filename string, pageNum int) []Chunk {
	pieces := SplitText(text, chunkSize, chunkOverlap)
	chunks := make([]Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, Chunk{
			Content: piece,
			Source:  filename,
			Page:    pageNum,
			ChunkID: fmt.Sprintf("%s_page_%d_chunk_%d", filename, pageNum, i),
		})
	}
	return chunks
}
