package ingest

import (
	"strings"
	"unicode/utf8"
)

// splitSeparators is the preference order for chunk boundaries: paragraph
// breaks first, then line breaks, then word boundaries, and finally a hard
// character cutoff.
var splitSeparators = []string{"\n\n", "\n", " ", ""}

// SplitText splits text into chunks of at most size characters. Boundaries
// are chosen from splitSeparators in order, recursing to finer separators for
// pieces that are still oversized. Consecutive chunks overlap by up to
// overlap characters so context is not lost at the seams. Whitespace-only
// chunks are dropped.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap >= size {
		overlap = size / 2
	}
	return splitRecursive(text, splitSeparators, size, overlap)
}

func splitRecursive(text string, separators []string, size, overlap int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	sep := ""
	rest := separators
	for i, s := range separators {
		if s == "" || strings.Contains(text, s) {
			sep = s
			rest = separators[i+1:]
			break
		}
	}
	if sep == "" {
		return hardSplit(text, size, overlap)
	}

	pieces := strings.Split(text, sep)

	// Oversized pieces recurse to finer separators; runs of small pieces
	// between them are merged back up to size with overlap carry-over.
	var chunks []string
	var pending []string
	for _, p := range pieces {
		if utf8.RuneCountInString(p) <= size {
			pending = append(pending, p)
			continue
		}
		chunks = append(chunks, mergePieces(pending, sep, size, overlap)...)
		pending = nil
		chunks = append(chunks, splitRecursive(p, rest, size, overlap)...)
	}
	chunks = append(chunks, mergePieces(pending, sep, size, overlap)...)
	return chunks
}

// mergePieces joins consecutive small pieces into chunks no larger than size.
// When a chunk is emitted, a tail of its pieces totalling at most overlap
// characters is retained as the start of the next chunk.
func mergePieces(pieces []string, sep string, size, overlap int) []string {
	sepLen := utf8.RuneCountInString(sep)

	var chunks []string
	var window []string
	total := 0

	emit := func() {
		doc := strings.TrimSpace(strings.Join(window, sep))
		if doc != "" {
			chunks = append(chunks, doc)
		}
	}

	for _, p := range pieces {
		pLen := utf8.RuneCountInString(p)
		joined := pLen
		if len(window) > 0 {
			joined += sepLen
		}
		if total+joined > size && len(window) > 0 {
			emit()
			for total > overlap || (total+joined > size && total > 0) {
				drop := utf8.RuneCountInString(window[0])
				if len(window) > 1 {
					drop += sepLen
				}
				total -= drop
				window = window[1:]
				joined = pLen
				if len(window) > 0 {
					joined += sepLen
				}
			}
		}
		window = append(window, p)
		total += joined
	}
	emit()
	return chunks
}

// hardSplit cuts text at fixed offsets, stepping size-overlap runes so each
// chunk repeats the tail of its predecessor.
func hardSplit(text string, size, overlap int) []string {
	runes := []rune(text)
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		piece := string(runes[start:end])
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
