package tokencost

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-audit/auditrag-go/internal/logging"
)

const samplePricingCSV = "\uFEFFModel Name,Input Cost(1M Tokens),Output Cost(1M Tokens)\n" +
	"GPT-4.1,$2.00, 8.00 \n" +
	"claude-sonnet,3,15\n" +
	"broken-model,N/A,whatever\n"

func writePricingFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing_model.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestAccountant(t *testing.T) *Accountant {
	t.Helper()
	return NewAccountant(&Config{
		LedgerDir: t.TempDir(),
		Logger:    logging.Nop(),
		Sleep:     func(time.Duration) {},
	})
}

func TestNormalizeModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"GPT-4.1", "gpt41"},
		{"gpt_4.1", "gpt41"},
		{"Claude Sonnet", "claudesonnet"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeModel(tt.in); got != tt.want {
			t.Errorf("NormalizeModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cell string
		want float64
	}{
		{"$2.00", 2.0},
		{" 8.00 ", 8.0},
		{"3", 3.0},
		{"N/A", 0.0},
		{"", 0.0},
		{"$1.25 ", 1.25},
	}
	for _, tt := range tests {
		if got := parsePrice(tt.cell); got != tt.want {
			t.Errorf("parsePrice(%q) = %v, want %v", tt.cell, got, tt.want)
		}
	}
}

func TestRates_LookupAndNormalization(t *testing.T) {
	path := writePricingFile(t, samplePricingCSV)
	t.Setenv("PRICING_FILE", path)

	a := newTestAccountant(t)

	in, out := a.Rates("gpt_4.1")
	if in != 2.0 || out != 8.0 {
		t.Errorf("Rates(gpt_4.1) = (%v, %v), want (2, 8)", in, out)
	}

	in, out = a.Rates("GPT-4.1")
	if in != 2.0 || out != 8.0 {
		t.Errorf("Rates(GPT-4.1) = (%v, %v), want (2, 8)", in, out)
	}

	// Unparseable price cells degrade to zero, not an error.
	in, out = a.Rates("broken-model")
	if in != 0 || out != 0 {
		t.Errorf("Rates(broken-model) = (%v, %v), want (0, 0)", in, out)
	}
}

func TestRates_UnknownModel(t *testing.T) {
	path := writePricingFile(t, samplePricingCSV)
	t.Setenv("PRICING_FILE", path)

	a := newTestAccountant(t)
	in, out := a.Rates("no-such-model")
	if in != 0 || out != 0 {
		t.Errorf("Rates(no-such-model) = (%v, %v), want (0, 0)", in, out)
	}
}

func TestRates_MissingFile(t *testing.T) {
	t.Setenv("PRICING_FILE", filepath.Join(t.TempDir(), "absent.csv"))

	a := newTestAccountant(t)
	in, out := a.Rates("gpt-4.1")
	if in != 0 || out != 0 {
		t.Errorf("Rates with missing file = (%v, %v), want (0, 0)", in, out)
	}
}

func TestRates_ReloadsOnPathChange(t *testing.T) {
	first := writePricingFile(t, samplePricingCSV)
	t.Setenv("PRICING_FILE", first)

	a := newTestAccountant(t)
	if in, _ := a.Rates("gpt-4.1"); in != 2.0 {
		t.Fatalf("initial rate = %v, want 2", in)
	}

	second := writePricingFile(t,
		"Model Name,Input Cost(1M Tokens),Output Cost(1M Tokens)\nGPT-4.1,5,20\n")
	t.Setenv("PRICING_FILE", second)

	if in, _ := a.Rates("gpt-4.1"); in != 5.0 {
		t.Errorf("rate after path change = %v, want 5", in)
	}
}

func TestCost(t *testing.T) {
	path := writePricingFile(t, samplePricingCSV)
	t.Setenv("PRICING_FILE", path)

	a := newTestAccountant(t)
	inCost, outCost := a.Cost("gpt-4.1", 1_000_000, 500_000)
	if inCost != 2.0 {
		t.Errorf("input cost = %v, want 2", inCost)
	}
	if outCost != 4.0 {
		t.Errorf("output cost = %v, want 4", outCost)
	}
}
