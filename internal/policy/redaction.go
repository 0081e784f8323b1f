package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{30,}`),
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(password|secret|api_key|apikey)(["\s:=]+)[^\s",]+`),
}

// RedactPII masks common high-risk PII patterns in free text such as user
// messages and memory content.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone so card numbers are not classified as phone numbers.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactSecrets masks credentials and email addresses. It is safe to run over
// structured log lines: numeric fields and timestamps are left alone.
func RedactSecrets(input string) string {
	out := input
	for _, p := range secretPatterns {
		if p.NumSubexp() == 2 {
			out = p.ReplaceAllString(out, "${1}${2}[REDACTED]")
			continue
		}
		out = p.ReplaceAllString(out, "[REDACTED]")
	}
	return emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
}
