package tokencost

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-audit/auditrag-go/internal/logging"
)

func TestLogUsage_AppendsFormattedLine(t *testing.T) {
	path := writePricingFile(t, samplePricingCSV)
	t.Setenv("PRICING_FILE", path)

	dir := t.TempDir()
	fixed := time.Date(2026, 8, 31, 14, 30, 5, 0, time.UTC)
	a := NewAccountant(&Config{
		LedgerDir: dir,
		Logger:    logging.Nop(),
		Now:       func() time.Time { return fixed },
		Sleep:     func(time.Duration) {},
	})

	a.LogUsage("GPT-4.1", Usage{InputTokens: 1200, OutputTokens: 300}, "generate_answer", "")

	data, err := os.ReadFile(filepath.Join(dir, "2026-08-31_token_usage.txt"))
	if err != nil {
		t.Fatal(err)
	}
	want := "Timestamp: 2026-08-31 14:30:05, Model: GPT-4.1, Input Tokens: 1200, " +
		"Output Tokens: 300, Caller Method: generate_answer, " +
		"Input Cost: $0.002400, Output Cost: $0.002400, Total Cost: $0.004800\n"
	if string(data) != want {
		t.Errorf("ledger line:\n got %q\nwant %q", string(data), want)
	}
}

func TestLogUsage_IncludesSession(t *testing.T) {
	t.Setenv("PRICING_FILE", filepath.Join(t.TempDir(), "absent.csv"))

	dir := t.TempDir()
	fixed := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	a := NewAccountant(&Config{
		LedgerDir: dir,
		Logger:    logging.Nop(),
		Now:       func() time.Time { return fixed },
		Sleep:     func(time.Duration) {},
	})

	a.LogUsage("GPT-4.1", Usage{InputTokens: 10, OutputTokens: 2}, "batch_query_stream TOTAL", "abc-123")

	data, err := os.ReadFile(filepath.Join(dir, "2026-08-31_token_usage.txt"))
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.Contains(line, ", Session: abc-123, Input Cost: $0.000000") {
		t.Errorf("session id missing or misplaced in %q", line)
	}
}

func TestLogUsage_AppendsAcrossCalls(t *testing.T) {
	t.Setenv("PRICING_FILE", filepath.Join(t.TempDir(), "absent.csv"))

	dir := t.TempDir()
	fixed := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	a := NewAccountant(&Config{
		LedgerDir: dir,
		Logger:    logging.Nop(),
		Now:       func() time.Time { return fixed },
		Sleep:     func(time.Duration) {},
	})

	a.LogUsage("m", Usage{InputTokens: 1, OutputTokens: 1}, "generate_answer", "")
	a.LogUsage("m", Usage{InputTokens: 2, OutputTokens: 2}, "generate_answer", "")

	data, err := os.ReadFile(filepath.Join(dir, "2026-08-31_token_usage.txt"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Errorf("got %d ledger lines, want 2", len(lines))
	}
}
