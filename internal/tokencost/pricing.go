package tokencost

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPricingFile is the pricing table location relative to the working
// directory when $PRICING_FILE is unset.
var DefaultPricingFile = filepath.Join("mapping", "pricing_model.csv")

// pricingEntry holds per-million-token rates for one model, keyed in the
// table by the model's normalized name.
type pricingEntry struct {
	model  string
	input  float64
	output float64
}

// Pricing CSV column headers.
const (
	colModel  = "Model Name"
	colInput  = "Input Cost(1M Tokens)"
	colOutput = "Output Cost(1M Tokens)"
)

var (
	// priceCleanRe strips currency symbols, spaces, and other decoration
	// from price cells before parsing.
	priceCleanRe = regexp.MustCompile(`[^0-9.\-]`)
	// normalizeRe reduces a model name to its lowercase alphanumerics so
	// "GPT-4.1", "gpt-4.1" and "gpt_4.1" all resolve to the same row.
	normalizeRe = regexp.MustCompile(`[^a-z0-9]`)
)

// NormalizeModel canonicalises a model name for pricing lookups.
func NormalizeModel(name string) string {
	return normalizeRe.ReplaceAllString(strings.ToLower(name), "")
}

// ResolvePricingPath returns $PRICING_FILE if set, else the default path.
func ResolvePricingPath() string {
	if p := os.Getenv("PRICING_FILE"); p != "" {
		return p
	}
	return DefaultPricingFile
}

// Rates returns the per-million-token input and output prices for model.
// An unknown model, a missing table, or an unreadable table yields (0, 0);
// the caller still gets a ledger entry, just with zero cost.
func (a *Accountant) Rates(model string) (inputPerM, outputPerM float64) {
	table := a.pricingTable()
	if len(table) == 0 {
		return 0, 0
	}
	entry, ok := table[NormalizeModel(model)]
	if !ok {
		a.log.Warn("tokencost: model missing from pricing table, costing as zero",
			"model", model)
		return 0, 0
	}
	return entry.input, entry.output
}

// Cost prices a unit of work. Rates in the table are per million tokens.
func (a *Accountant) Cost(model string, inputTokens, outputTokens int) (inputCost, outputCost float64) {
	inRate, outRate := a.Rates(model)
	return float64(inputTokens) / 1e6 * inRate, float64(outputTokens) / 1e6 * outRate
}

// pricingTable returns the cached pricing table, reloading it when the
// resolved path changes (e.g. $PRICING_FILE flipped between calls).
func (a *Accountant) pricingTable() map[string]pricingEntry {
	path := ResolvePricingPath()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pricing != nil && a.pricePath == path {
		return a.pricing
	}

	table, err := loadPricingFile(path)
	if err != nil {
		a.log.Warn("tokencost: pricing table unavailable, costing as zero",
			"path", path, "error", err)
		table = map[string]pricingEntry{}
	}
	a.pricing = table
	a.pricePath = path
	return table
}

// loadPricingFile parses the pricing CSV. The header row may carry a UTF-8
// BOM; malformed price cells parse as 0.0 rather than failing the load.
func loadPricingFile(path string) (map[string]pricingEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return map[string]pricingEntry{}, nil
	}

	header := records[0]
	idx := map[string]int{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
		idx[h] = i
	}

	table := make(map[string]pricingEntry, len(records)-1)
	mi, ok1 := idx[colModel]
	ii, ok2 := idx[colInput]
	oi, ok3 := idx[colOutput]
	if !ok1 || !ok2 || !ok3 {
		return table, nil
	}

	for _, rec := range records[1:] {
		if mi >= len(rec) {
			continue
		}
		name := strings.TrimSpace(rec[mi])
		if name == "" {
			continue
		}
		entry := pricingEntry{model: name}
		if ii < len(rec) {
			entry.input = parsePrice(rec[ii])
		}
		if oi < len(rec) {
			entry.output = parsePrice(rec[oi])
		}
		table[NormalizeModel(name)] = entry
	}
	return table, nil
}

// parsePrice extracts a float from a price cell, tolerating currency symbols
// and whitespace. Garbage parses to 0.0.
func parsePrice(cell string) float64 {
	cleaned := priceCleanRe.ReplaceAllString(cell, "")
	if cleaned == "" {
		return 0
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}
