// Package memory extracts memory suggestions from model output. The
// structured memory_suggestions field is authoritative; the inline
// [remember: ...] tag is a fallback for models without structured output
// and is only consulted when the structured field is absent.
package memory

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

const (
	// MaxSuggestionLength caps individual suggestion size.
	MaxSuggestionLength = 200
	// MaxSuggestions caps how many suggestions one response may produce;
	// extras are dropped, not errors.
	MaxSuggestions = 5
)

// inlineTag matches the documented fallback syntax [remember: ...].
var inlineTag = regexp.MustCompile(`\[remember:\s*([^\]]*)\]`)

var sensitiveKeywords = []string{
	"password", "secret", "credential", "api key", "apikey", "token",
	"private key", "ssn", "credit card",
}

// opaqueToken flags long runs of mixed alphanumerics that look like keys
// or credentials rather than facts worth remembering.
var opaqueToken = regexp.MustCompile(`[A-Za-z0-9_\-]{24,}`)

// Extractor filters and caps memory suggestion candidates.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract returns the accepted suggestions and the visible text with any
// fallback tag syntax stripped. structured is the model's
// memory_suggestions field; when it is non-nil the inline fallback never
// runs.
func (e *Extractor) Extract(structured []string, visibleText string) ([]string, string) {
	cleaned := StripTags(visibleText)

	var candidates []string
	if structured != nil {
		candidates = structured
	} else {
		for _, m := range inlineTag.FindAllStringSubmatch(visibleText, -1) {
			candidates = append(candidates, m[1])
		}
	}

	accepted := make([]string, 0, MaxSuggestions)
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || len(c) > MaxSuggestionLength {
			continue
		}
		if isSensitive(c) {
			e.logger.Debug("dropping sensitive memory suggestion")
			continue
		}
		accepted = append(accepted, c)
		if len(accepted) == MaxSuggestions {
			break
		}
	}
	return accepted, cleaned
}

// StripTags removes fallback tag syntax from user-visible text.
func StripTags(text string) string {
	if !strings.Contains(text, "[remember:") {
		return text
	}
	stripped := inlineTag.ReplaceAllString(text, "")
	// Collapse whitespace runs the removal may have left behind.
	stripped = regexp.MustCompile(`[ \t]{2,}`).ReplaceAllString(stripped, " ")
	stripped = regexp.MustCompile(`\n{3,}`).ReplaceAllString(stripped, "\n\n")
	return strings.TrimSpace(stripped)
}

func isSensitive(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return opaqueToken.MatchString(s)
}
