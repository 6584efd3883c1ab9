package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a matcher with whether its first capture group is a
// prefix that should survive redaction (so "token=..." keeps "token=" and
// loses only the value).
type secretPattern struct {
	re         *regexp.Regexp
	keepPrefix bool
}

// Patterns cover the credential shapes this dispatcher actually handles:
// account bot tokens in accounts.yaml, Authorization headers on the gateway
// dial, and token-bearing gateway URLs that can surface in dial errors.
var secretPatterns = []secretPattern{
	// key=value credential assignments (token, secret, api_key, password)
	{re: regexp.MustCompile(`(?i)((?:(?:bot[_-]?)?token|secret(?:[_-]?key)?|api[_-]?key|password)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{12,})"?`), keepPrefix: true},
	// Authorization header values
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keepPrefix: true},
	// dot-separated bot tokens (id.timestamp.hmac triplets)
	{re: regexp.MustCompile(`\b[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{6,}\.[A-Za-z0-9_-]{20,}\b`)},
	// token query parameters in gateway URLs
	{re: regexp.MustCompile(`(?i)([?&]token=)([^&\s"']+)`), keepPrefix: true},
}

// Redact replaces credential-bearing substrings with [REDACTED].
// internal/telemetry applies it to every string log attribute; persisted
// fail reasons and bus events are not passed through it.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		if !p.keepPrefix {
			out = p.re.ReplaceAllString(out, redactedPlaceholder)
			continue
		}
		out = p.re.ReplaceAllString(out, "${1}"+redactedPlaceholder)
	}
	return out
}
