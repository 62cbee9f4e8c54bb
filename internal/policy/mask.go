// Package policy applies outbound content hygiene. Turn content leaves the
// machine when a batch flushes, so obvious secrets and high-risk PII are
// masked before anything enters the buffer. Masking is mechanical pattern
// replacement only.
package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk|mk)-[A-Za-z0-9_\-]{16,}`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`)
	assignPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|auth[_-]?token|token|secret|password|passwd)(\s*[=:]\s*)\S{8,}`)
)

// MaskSecrets replaces secret- and PII-shaped substrings with bracketed
// markers and reports whether anything changed. Key-value assignments keep
// the key name so masked logs stay readable.
func MaskSecrets(input string) (masked string, changed bool) {
	out := input

	next := apiKeyPattern.ReplaceAllString(out, "[MASKED_KEY]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "[MASKED_TOKEN]")
	changed = changed || next != out
	out = next

	next = assignPattern.ReplaceAllString(out, "${1}${2}[MASKED_SECRET]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[MASKED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card masking runs before phone so long digit runs are not taken for
	// phone numbers.
	next = cardPattern.ReplaceAllString(out, "[MASKED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[MASKED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}
