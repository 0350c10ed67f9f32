package prompt

import (
	"regexp"
	"strings"
)

// Patterns for model-output cleanup. The policy suffix tells the model not
// to add fillers or a references section, but models do it anyway; these
// strip the common English and Chinese variants.
var (
	fillerRe = regexp.MustCompile(`(?i)^(certainly|sure|of course|absolutely|okay|ok|no problem|当然|没问题|好的)[!！,，.。:：]?\s*`)

	preambleEnRe = regexp.MustCompile(`(?i)^(here|below) (is|are)[^\n]*\n+`)
	preambleZhRe = regexp.MustCompile(`^以下[为是][^\n]*\n+`)

	referenceEnRe = regexp.MustCompile(`(?im)^\s*references?\s*[:：][^\n]*$`)
	referenceZhRe = regexp.MustCompile(`(?m)^\s*(参考信息|参考资料|参考|引用)\s*[:：][^\n]*$`)

	excessBlankRe = regexp.MustCompile(`\n{3,}`)
)

// Sanitize normalises a model answer: leading conversational fillers and
// "here is ..." preambles are removed, trailing reference lines (the system
// attaches citations itself) are dropped, and runs of blank lines collapse
// to one. If cleanup would leave nothing, the original text is returned so a
// pathological answer is never silently erased.
func Sanitize(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}

	s = fillerRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = preambleEnRe.ReplaceAllString(s, "")
	s = preambleZhRe.ReplaceAllString(s, "")
	s = referenceEnRe.ReplaceAllString(s, "")
	s = referenceZhRe.ReplaceAllString(s, "")
	s = excessBlankRe.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if s == "" {
		return strings.TrimSpace(text)
	}
	return s
}
