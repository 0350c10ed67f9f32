// Package query maps audit worksheet rows to evidence queries and back. A
// row is a loosely-typed JSON object carrying a Hint and/or AET cell; each
// populated cell becomes one retrieval-grounded LLM call whose answer and
// page references are written back into well-known output fields. The same
// field conventions drive the batch run, the retry engine, and the
// success/failure statistics, so they all live here.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrel-audit/auditrag-go/internal/answer"
	"github.com/kestrel-audit/auditrag-go/internal/prompt"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
)

// Row is one worksheet record. Keys beyond the known fields are preserved
// untouched so callers can round-trip arbitrary worksheet columns.
type Row = map[string]any

// Well-known row fields.
const (
	// FieldHint is the input cell describing what evidence to look for.
	FieldHint = "Hint"
	// FieldAET is the input cell naming the audit evidence template item.
	FieldAET = "AET"

	// FieldEvidence receives the answer for the Hint query.
	FieldEvidence = "Evidence Collected by AI"
	// FieldReference receives the page citations for the Hint query.
	FieldReference = "Reference"
	// FieldAETEvidence receives the answer for the AET query.
	FieldAETEvidence = "AET Evidence Collected by AI"
	// FieldAETReference receives the page citations for the AET query.
	FieldAETReference = "AET Reference"
)

// Sentinel texts written into output fields. Downstream spreadsheets key on
// these exact strings, so they are stable.
const (
	NoHintEvidence = "No Hint information available"
	NoHintData     = "No Hint data"
	NoAETEvidence  = "No AET information available"
	NoAETData      = "No AET data"

	// NoQueryInfo marks a retry target whose Hint and AET are both empty.
	NoQueryInfo          = "No available query information (both Hint and AET are empty)"
	NoQueryInfoReference = "No query information"

	// NoReference is the citation text when retrieval returned nothing usable.
	NoReference = "No reference"

	failedPrefix      = "Query failed"
	stillFailedPrefix = "Still failed after retry"
)

// hintQuery and aetQuery phrase a worksheet cell as a retrieval question.
func hintQuery(hint string) string {
	return "Find relevant evidence based on the following hint information: " + hint
}

func aetQuery(aet string) string {
	return "Find relevant evidence based on the following AET information: " + aet
}

// RunnerFunc executes one retrieval-grounded query. The orchestrator's
// Runner method is the production implementation; tests supply fakes.
type RunnerFunc func(ctx context.Context, q string, qt prompt.QueryType) (*answer.Response, error)

// skip reports whether a cell holds no queryable content. Spreadsheet
// exports encode empty cells as the literal string "nan".
func skip(cell string) bool {
	s := strings.TrimSpace(cell)
	return s == "" || strings.EqualFold(s, "nan")
}

// stringField returns the row's value for key as a trimmed string, or ""
// when absent or not a string.
func stringField(row Row, key string) string {
	v, ok := row[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// EvidenceOK reports whether an evidence cell holds a usable answer. Failure
// markers written by this package and the degraded-service answer all count
// as failures; skip sentinels (no Hint, no AET) do not, because there was
// nothing to query.
func EvidenceOK(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, failedPrefix) || strings.HasPrefix(s, stillFailedPrefix) {
		return false
	}
	if strings.HasPrefix(s, answer.DegradedAnswer) {
		return false
	}
	return true
}

// RowSucceeded reports whether at least one side of row holds real evidence:
// either the Hint or the AET answer carrying usable text makes the row a
// success. A cell's own no-data sentinel does not count — a row whose only
// populated side was empty input collected nothing. Rows never processed (no
// evidence fields at all) count as failed so the retry engine picks them up.
func RowSucceeded(row Row) bool {
	if evidence, ok := row[FieldEvidence].(string); ok && cellSucceeded(evidence, NoHintEvidence) {
		return true
	}
	if aetEvidence, ok := row[FieldAETEvidence].(string); ok && cellSucceeded(aetEvidence, NoAETEvidence) {
		return true
	}
	return false
}

// cellSucceeded reports whether one evidence cell carries an answer. The
// no-query-info marker still counts: a retry target with nothing to query is
// terminally processed and must leave the retry set.
func cellSucceeded(text, noDataSentinel string) bool {
	s := strings.TrimSpace(text)
	if s == noDataSentinel {
		return false
	}
	return EvidenceOK(s)
}

// ProcessRow runs the Hint and AET queries for one row and returns a copy
// with the evidence fields filled in, plus the token usage of the calls it
// made. Query errors become failure sentinels in the row, never a returned
// error, so one bad row cannot sink a batch.
func ProcessRow(ctx context.Context, run RunnerFunc, row Row) (Row, tokencost.Usage) {
	out := make(Row, len(row)+4)
	for k, v := range row {
		out[k] = v
	}

	var usage tokencost.Usage

	if hint := stringField(row, FieldHint); skip(hint) {
		out[FieldEvidence] = NoHintEvidence
		out[FieldReference] = NoHintData
	} else {
		evidence, ref, u := runCell(ctx, run, hintQuery(hint), prompt.TypeHint)
		out[FieldEvidence] = evidence
		out[FieldReference] = ref
		usage.Add(u)
	}

	if aet := stringField(row, FieldAET); skip(aet) {
		out[FieldAETEvidence] = NoAETEvidence
		out[FieldAETReference] = NoAETData
	} else {
		evidence, ref, u := runCell(ctx, run, aetQuery(aet), prompt.TypeAET)
		out[FieldAETEvidence] = evidence
		out[FieldAETReference] = ref
		usage.Add(u)
	}

	return out, usage
}

// runCell executes one query and renders its outcome as evidence text and a
// reference line.
func runCell(ctx context.Context, run RunnerFunc, q string, qt prompt.QueryType) (evidence, reference string, usage tokencost.Usage) {
	resp, err := run(ctx, q, qt)
	if err != nil {
		return fmt.Sprintf("%s: %v", failedPrefix, err), failedPrefix, tokencost.Usage{}
	}
	return resp.Answer, FormatReferences(resp.ReferencedPages), resp.Usage
}

// RetryQuery picks the query to re-run for a failed row: Hint when present,
// else AET. ok is false when neither cell is usable.
func RetryQuery(row Row) (q string, qt prompt.QueryType, ok bool) {
	if hint := stringField(row, FieldHint); !skip(hint) {
		return hintQuery(hint), prompt.TypeHint, true
	}
	if aet := stringField(row, FieldAET); !skip(aet) {
		return aetQuery(aet), prompt.TypeAET, true
	}
	return "", "", false
}

// FormatReferences renders cited pages as a single worksheet cell.
func FormatReferences(pages []answer.Page) string {
	if len(pages) == 0 {
		return NoReference
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = fmt.Sprintf("%s Page %d (Similarity: %.1f%%)", p.Source, p.Page, p.Similarity*100)
	}
	return strings.Join(parts, "; ")
}
