package prompt

import (
	"regexp"
	"strings"
)

// overridePatterns match known phrasings that try to alter the safety
// preamble or governed system prompt from custom instructions. This is a
// content filter, not a parser: matching lines are dropped wholesale.
var overridePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+|any\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)disregard\s+(the\s+)?(system\s+prompt|safety|previous|above)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+|everything\s+)?(you\s+were\s+told|previous|your\s+instructions?)`),
	regexp.MustCompile(`(?i)you\s+are\s+(now|no\s+longer)\s`),
	regexp.MustCompile(`(?i)(override|replace|rewrite)\s+(the\s+)?(system\s+prompt|safety\s+(rules?|preamble)|your\s+instructions?)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+(you\s+have\s+)?no\s+(rules?|restrictions?|guidelines?)`),
	regexp.MustCompile(`(?i)pretend\s+(the\s+)?(safety|system)\s`),
	regexp.MustCompile(`(?i)new\s+system\s+prompt\s*:`),
	regexp.MustCompile(`(?i)jailbreak`),
	regexp.MustCompile(`(?i)developer\s+mode`),
}

// SanitizeCustomInstructions removes lines containing known override
// phrasings. Legitimate preference content passes through untouched.
func SanitizeCustomInstructions(instructions string) string {
	if instructions == "" {
		return ""
	}
	lines := strings.Split(instructions, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if containsOverride(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func containsOverride(line string) bool {
	for _, pat := range overridePatterns {
		if pat.MatchString(line) {
			return true
		}
	}
	return false
}
