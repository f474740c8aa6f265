package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a matcher with how much of the match survives. When
// keepPrefix is set the first capture group (the key or header name) stays,
// so redacted text still reads naturally.
type secretPattern struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretPatterns = []secretPattern{
	// key=value and key: value forms behind key-like names.
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), keepPrefix: true},
	// Bearer credentials in Authorization headers.
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keepPrefix: true},
	// Google API keys.
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	// Telegram bot tokens (bot id, colon, secret).
	{re: regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`)},
	// Token-shaped UUIDs behind auth-ish keys.
	{re: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), keepPrefix: true},
}

// envSecretHints flags environment keys whose values never belong in output.
var envSecretHints = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// Redact replaces secret-bearing substrings of s with [REDACTED]. Text
// around each secret is preserved, so log lines and error messages stay
// readable after the scrub.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		if p.keepPrefix {
			s = p.re.ReplaceAllString(s, "${1}"+redactedPlaceholder)
		} else {
			s = p.re.ReplaceAllString(s, redactedPlaceholder)
		}
	}
	return s
}

// RedactEnvValue hides the value of environment keys that look secret.
// Values of ordinary keys pass through unchanged.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, hint := range envSecretHints {
		if strings.Contains(lower, hint) {
			return redactedPlaceholder
		}
	}
	return value
}
