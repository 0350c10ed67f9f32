package tokencost

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogUsage appends one priced entry to today's ledger file. Ledger writes are
// best-effort: a failure is logged and swallowed so accounting problems never
// break query serving. The optional sessionID ties batch-stream totals to
// their session.
func (a *Accountant) LogUsage(model string, usage Usage, caller, sessionID string) {
	inCost, outCost := a.Cost(model, usage.InputTokens, usage.OutputTokens)
	now := a.now()

	var b strings.Builder
	fmt.Fprintf(&b, "Timestamp: %s, Model: %s, Input Tokens: %d, Output Tokens: %d, Caller Method: %s",
		now.Format("2006-01-02 15:04:05"), model, usage.InputTokens, usage.OutputTokens, caller)
	if sessionID != "" {
		fmt.Fprintf(&b, ", Session: %s", sessionID)
	}
	fmt.Fprintf(&b, ", Input Cost: $%.6f, Output Cost: $%.6f, Total Cost: $%.6f\n",
		inCost, outCost, inCost+outCost)

	if err := a.appendLedger(now.Format("2006-01-02"), b.String()); err != nil {
		a.log.Warn("tokencost: ledger write failed", "error", err)
	}
}

// appendLedger writes line to the day's ledger, creating the directory and
// file as needed. The file rolls over naturally at midnight because the date
// is part of the name.
func (a *Accountant) appendLedger(day, line string) error {
	if err := os.MkdirAll(a.ledgerDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(a.ledgerDir, day+"_token_usage.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}
