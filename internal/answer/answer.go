// Package answer turns retrieved corpus chunks and a question into a
// grounded, cited answer via the configured chat model. It owns the retry
// policy around the LLM call and the page-reference bookkeeping; it counts
// token usage but never writes the ledger — that stays with its callers so
// batch totals can be attributed to a session.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/kestrel-audit/auditrag-go/internal/prompt"
	"github.com/kestrel-audit/auditrag-go/internal/rag"
	"github.com/kestrel-audit/auditrag-go/internal/settings"
	"github.com/kestrel-audit/auditrag-go/internal/tokencost"
)

const (
	// maxAttempts bounds the LLM call retries per generation.
	maxAttempts = 6
	// retryDelay is the fixed pause between attempts.
	retryDelay = time.Second
	// callTimeout bounds one LLM call.
	callTimeout = 90 * time.Second
)

// DegradedAnswer is returned verbatim, without retrying, when the provider
// reports the known gateway misconfiguration signature.
const DegradedAnswer = "Sorry, AI service is temporarily unavailable. Please try again later. " +
	"If the problem persists, please contact technical support."

// ChatModel is the slice of the eino chat model interface the generator
// needs. Production models from the provider package satisfy it; tests
// inject a fake.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Settings supplies the generation parameters, read fresh on every call so
// operator changes take effect immediately. *settings.Store satisfies it.
type Settings interface {
	Generation(ctx context.Context) (settings.Generation, error)
}

// Page identifies one cited corpus location.
type Page struct {
	// Source is the document filename.
	Source string `json:"source"`
	// Page is the 1-based page number.
	Page int `json:"page"`
	// Similarity is the retrieval similarity of the chunk that cited it.
	Similarity float64 `json:"similarity_score"`
}

// Response is the outcome of one generation call.
type Response struct {
	// Answer is the sanitized answer text.
	Answer string
	// ReferencedPages lists the distinct pages backing the answer, in
	// retrieval order.
	ReferencedPages []Page
	// Usage counts prompt and completion tokens for this call.
	Usage tokencost.Usage
	// Model is the serving model used; callers pass it to the ledger.
	Model string
	// PricingModel is the pricing table row to cost this call against.
	PricingModel string
	// Degraded is true when Answer is the fixed degraded-service message.
	Degraded bool
}

// Config assembles a Generator.
type Config struct {
	// Model is the chat model. Required.
	Model ChatModel
	// Settings supplies per-call generation parameters. Required.
	Settings Settings
	// Accountant counts tokens. Required.
	Accountant *tokencost.Accountant
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Sleep pauses between retries. Defaults to a context-aware sleep;
	// tests replace it.
	Sleep func(context.Context, time.Duration)
}

// Generator produces grounded answers. Safe for concurrent use.
type Generator struct {
	model      ChatModel
	settings   Settings
	accountant *tokencost.Accountant
	log        *slog.Logger
	sleep      func(context.Context, time.Duration)
}

// NewGenerator validates cfg and constructs a Generator.
func NewGenerator(cfg *Config) (*Generator, error) {
	if cfg == nil || cfg.Model == nil {
		return nil, fmt.Errorf("answer: chat model is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("answer: settings source is required")
	}
	if cfg.Accountant == nil {
		return nil, fmt.Errorf("answer: accountant is required")
	}
	g := &Generator{
		model:      cfg.Model,
		settings:   cfg.Settings,
		accountant: cfg.Accountant,
		log:        cfg.Logger,
		sleep:      cfg.Sleep,
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.sleep == nil {
		g.sleep = sleepContext
	}
	return g, nil
}

// Generate answers query using the given retrieved chunks as grounding
// context. docs may be empty (e.g. batch summaries) — the model then answers
// from the question alone and ReferencedPages is empty.
func (g *Generator) Generate(ctx context.Context, query string, qt prompt.QueryType, docs []rag.Result) (*Response, error) {
	gen, err := g.settings.Generation(ctx)
	if err != nil {
		// Generation() returns usable defaults alongside the error.
		g.log.Warn("answer: settings unavailable, using defaults", "error", err)
	}

	system := prompt.Compose(prompt.ParseMode(gen.PromptMode), qt, gen.Templates)
	msgs := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(userMessage(query, docs)),
	}

	usage := tokencost.Usage{InputTokens: g.accountant.CountMessages(gen.PricingName(), msgs)}

	var reply *schema.Message
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		reply, lastErr = g.model.Generate(callCtx, msgs,
			model.WithModel(gen.Model),
			model.WithTemperature(float32(gen.Temperature)),
		)
		cancel()
		if lastErr == nil {
			break
		}
		if IsProviderFault(lastErr) {
			// The fault is a fixed upstream misconfiguration; retrying
			// cannot help, so degrade immediately.
			g.log.Error("answer: provider fault, returning degraded answer", "error", lastErr)
			return &Response{
				Answer:       DegradedAnswer,
				Usage:        usage,
				Model:        gen.Model,
				PricingModel: gen.PricingName(),
				Degraded:     true,
			}, nil
		}
		g.log.Warn("answer: llm call failed",
			"attempt", attempt, "max_attempts", maxAttempts, "error", lastErr)
		if attempt < maxAttempts {
			g.sleep(ctx, retryDelay)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("answer: generation cancelled: %w", ctx.Err())
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("answer: llm call failed after %d attempts: %w", maxAttempts, lastErr)
	}

	usage.OutputTokens = g.accountant.CountText(gen.PricingName(), reply.Content)

	return &Response{
		Answer:          prompt.Sanitize(reply.Content),
		ReferencedPages: dedupePages(docs),
		Usage:           usage,
		Model:           gen.Model,
		PricingModel:    gen.PricingName(),
	}, nil
}

// userMessage assembles the human message: annotated context first (when
// present), then the question.
func userMessage(query string, docs []rag.Result) string {
	if len(docs) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString("Context from the uploaded documents:\n\n")
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Page %d from %s]\n%s", d.Page, d.Source, d.Content)
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

// dedupePages collapses chunks citing the same (source, page, similarity)
// into one reference, preserving retrieval order.
func dedupePages(docs []rag.Result) []Page {
	seen := make(map[Page]bool, len(docs))
	pages := make([]Page, 0, len(docs))
	for _, d := range docs {
		p := Page{Source: d.Source, Page: d.Page, Similarity: d.Similarity}
		if seen[p] {
			continue
		}
		seen[p] = true
		pages = append(pages, p)
	}
	return pages
}

// IsProviderFault reports whether err carries the known upstream gateway
// fault signature. Such calls always fail identically, so they are degraded
// rather than retried.
func IsProviderFault(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "violations") && strings.Contains(s, "KeyError")
}

// sleepContext sleeps for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
