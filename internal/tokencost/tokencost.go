// Package tokencost implements token counting and cost accounting for LLM
// calls. Counting prefers a real tiktoken encoder; when the encoder cannot be
// loaded (offline hosts, missing BPE data) it degrades to a character
// heuristic so callers always get a usable number. Costs come from a CSV
// pricing table resolved at call time, and every unit of billable work is
// appended to a daily plain-text ledger.
package tokencost

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/pkoukk/tiktoken-go"
)

const (
	// fallbackEncoding is used when no model-specific encoding exists.
	fallbackEncoding = "cl100k_base"

	// Encoder acquisition is retried with exponential backoff because the
	// BPE tables may be fetched lazily on first use.
	encoderRetries = 2
	encoderBackoff = 300 * time.Millisecond
)

// Usage is the token count for one LLM call.
type Usage struct {
	// InputTokens counts the prompt side (system + user messages).
	InputTokens int
	// OutputTokens counts the generated completion.
	OutputTokens int
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Encoder is the slice of the tiktoken API the accountant needs.
// Tests substitute a fake via Config.LoadEncoder.
type Encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Config customises an [Accountant]. The zero value is usable; every field
// has a production default.
type Config struct {
	// LedgerDir is the directory for daily usage ledgers.
	// Defaults to $TOKEN_LEDGER_DIR, then "token".
	LedgerDir string
	// Logger receives warnings about degraded counting and pricing lookups.
	Logger *slog.Logger
	// Now supplies timestamps. Defaults to time.Now.
	Now func() time.Time
	// Sleep is called between encoder acquisition retries. Defaults to
	// time.Sleep; tests replace it to avoid real waits.
	Sleep func(time.Duration)
	// LoadEncoder resolves a model name to a token encoder. Defaults to
	// tiktoken with a cl100k_base fallback.
	LoadEncoder func(model string) (Encoder, error)
}

// Accountant counts tokens, prices them, and appends ledger entries. It is
// safe for concurrent use.
type Accountant struct {
	mu        sync.Mutex
	encoders  map[string]Encoder
	pricing   map[string]pricingEntry
	pricePath string

	ledgerDir   string
	log         *slog.Logger
	now         func() time.Time
	sleep       func(time.Duration)
	loadEncoder func(model string) (Encoder, error)
}

// NewAccountant constructs an [Accountant], applying defaults for any
// unset Config field. A nil cfg is equivalent to the zero Config.
func NewAccountant(cfg *Config) *Accountant {
	if cfg == nil {
		cfg = &Config{}
	}
	a := &Accountant{
		encoders:    make(map[string]Encoder),
		ledgerDir:   cfg.LedgerDir,
		log:         cfg.Logger,
		now:         cfg.Now,
		sleep:       cfg.Sleep,
		loadEncoder: cfg.LoadEncoder,
	}
	if a.ledgerDir == "" {
		a.ledgerDir = os.Getenv("TOKEN_LEDGER_DIR")
	}
	if a.ledgerDir == "" {
		a.ledgerDir = "token"
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.sleep == nil {
		a.sleep = time.Sleep
	}
	if a.loadEncoder == nil {
		a.loadEncoder = loadTiktoken
	}
	return a
}

// loadTiktoken resolves the model-specific encoding, falling back to
// cl100k_base for models tiktoken does not know about.
func loadTiktoken(model string) (Encoder, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}

// CountText returns the token count of text under the given model's
// encoding. If no encoder can be acquired the character heuristic from
// [EstimateTokens] is used instead.
func (a *Accountant) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := a.encoder(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// CountMessages counts the tokens of all message contents combined.
func (a *Accountant) CountMessages(model string, msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		if m == nil {
			continue
		}
		total += a.CountText(model, m.Content)
	}
	return total
}

// encoder returns the cached encoder for model, acquiring it with retries on
// first use. Failures are not cached so a later call can succeed once the
// BPE data becomes reachable.
func (a *Accountant) encoder(model string) Encoder {
	a.mu.Lock()
	if enc, ok := a.encoders[model]; ok {
		a.mu.Unlock()
		return enc
	}
	a.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= encoderRetries; attempt++ {
		enc, err := a.loadEncoder(model)
		if err == nil {
			a.mu.Lock()
			a.encoders[model] = enc
			a.mu.Unlock()
			return enc
		}
		lastErr = err
		a.sleep(encoderBackoff * (1 << attempt))
	}
	a.log.Warn("tokencost: encoder unavailable, using character heuristic",
		"model", model, "error", lastErr)
	return nil
}

// EstimateTokens approximates a token count without an encoder: each CJK
// ideograph counts as one token, every other 4 characters count as one.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	cjk, other := 0, 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}
	return cjk + (other+3)/4
}
