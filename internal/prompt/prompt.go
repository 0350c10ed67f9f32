// Package prompt composes the system prompts for answer generation and
// cleans up model output. Prompt selection is driven by two axes: the
// operator-configured mode and the per-call query type.
package prompt

import "strings"

// Mode controls how the per-type templates and the general template combine.
type Mode int

const (
	// ModeTypeSpecific selects the template matching the query type,
	// falling back to the general template for unrecognised types.
	ModeTypeSpecific Mode = iota
	// ModeGeneralOnly always uses the general template.
	ModeGeneralOnly
	// ModeFallbackGeneral prefers the type template but uses the general
	// one whenever the type template is empty.
	ModeFallbackGeneral
)

// Mode string values as stored in settings.
const (
	ModeNameTypeSpecific    = "type_specific"
	ModeNameGeneralOnly     = "general_only"
	ModeNameFallbackGeneral = "fallback_general"
)

// ParseMode maps a stored mode name to a Mode, defaulting to type_specific.
func ParseMode(s string) Mode {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case ModeNameGeneralOnly:
		return ModeGeneralOnly
	case ModeNameFallbackGeneral:
		return ModeFallbackGeneral
	default:
		return ModeTypeSpecific
	}
}

// ValidModeName reports whether s is a recognised mode name.
func ValidModeName(s string) bool {
	switch s {
	case ModeNameTypeSpecific, ModeNameGeneralOnly, ModeNameFallbackGeneral:
		return true
	}
	return false
}

// QueryType distinguishes the kinds of questions the orchestrator issues.
type QueryType string

const (
	// TypeHint is an evidence search driven by a worksheet hint cell.
	TypeHint QueryType = "hint"
	// TypeAET is an evidence search driven by an audit evidence template cell.
	TypeAET QueryType = "aet"
	// TypeGeneral is a free-form user question.
	TypeGeneral QueryType = "general"
	// TypeSummary asks for an executive summary of a batch run.
	TypeSummary QueryType = "summary"
)

// Templates holds the operator-editable system prompt templates. Empty
// fields fall back to the built-in defaults.
type Templates struct {
	Hint    string
	AET     string
	General string
}

// Built-in defaults used when the corresponding template is unset.
const (
	DefaultHint = `You are an audit assistant collecting evidence from an uploaded document corpus. The user provides a hint describing what evidence an audit procedure requires. Search the supplied context for material that satisfies the hint and present it as audit evidence: quote or closely paraphrase the relevant passages and state which document and page each item comes from.`

	DefaultAET = `You are an audit assistant completing an audit evidence template (AET). The user provides the template requirement text. From the supplied context, extract the facts, figures, and statements that fulfil the requirement, and present them in a form suitable for direct inclusion in the template, citing the source document and page for each item.`

	DefaultGeneral = `You are an audit assistant. Answer the user's question using only the supplied context from the uploaded document corpus. Be precise and complete, and cite the source document and page for every claim you make.`
)

// basePolicy is appended to every composed prompt regardless of mode or
// type, so per-template edits cannot remove the grounding rules.
const basePolicy = `Rules that always apply:
- Base every statement strictly on the provided context; never invent facts.
- If the context does not contain the answer, say so explicitly.
- Keep the tone objective and audit-appropriate.
- Answer in the same language as the question.
- Do not add greetings, preambles, or a references section; the system attaches citations separately.`

// Compose selects the system prompt for one generation call and appends the
// fixed policy suffix.
func Compose(mode Mode, qt QueryType, tpl Templates) string {
	filled := tpl.withDefaults()

	var body string
	switch mode {
	case ModeGeneralOnly:
		body = filled.General
	case ModeFallbackGeneral:
		// Only an operator-supplied type template counts here; when it is
		// absent the general template is used, not the built-in type default.
		body = strings.TrimSpace(tpl.forType(qt))
		if body == "" {
			body = filled.General
		}
	default:
		body = filled.forType(qt)
	}
	return body + "\n\n" + basePolicy
}

// forType returns the template matching qt, or the general template for
// types without a dedicated one.
func (t Templates) forType(qt QueryType) string {
	switch qt {
	case TypeHint:
		return t.Hint
	case TypeAET:
		return t.AET
	default:
		return t.General
	}
}

// withDefaults fills empty template fields with the built-in defaults.
func (t Templates) withDefaults() Templates {
	if strings.TrimSpace(t.Hint) == "" {
		t.Hint = DefaultHint
	}
	if strings.TrimSpace(t.AET) == "" {
		t.AET = DefaultAET
	}
	if strings.TrimSpace(t.General) == "" {
		t.General = DefaultGeneral
	}
	return t
}
