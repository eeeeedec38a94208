package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// DefaultMaxChars is the per-field character budget applied to values
// bound for the telemetry sink unless the caller overrides it.
const DefaultMaxChars = 100_000

const redactedMarker = "[REDACTED]"

// secretPatterns detects common credential formats that must never leave
// the process boundary inside tool inputs, outputs, or message text.
var secretPatterns = []*regexp.Regexp{
	// OpenAI/Anthropic-style API keys (sk- and sk-ant- prefixes)
	regexp.MustCompile(`(?i)sk-[a-z0-9-]{20,}`),
	// AWS access key IDs
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	// Slack tokens
	regexp.MustCompile(`(?i)xox[baprs]-[a-z0-9-]+`),
	// Bearer header values
	regexp.MustCompile(`(?i)Bearer [a-z0-9._-]+`),
	// GitHub personal access and server tokens
	regexp.MustCompile(`(?i)gh[ps]_[a-z0-9]{36}`),
	// GitLab personal access tokens
	regexp.MustCompile(`(?i)glpat-[a-z0-9-]{20,}`),
	// JWTs (three base64url segments separated by dots)
	regexp.MustCompile(`(?i)\beyJ[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`),
	// Private key blocks
	regexp.MustCompile(`-----BEGIN[^-]*PRIVATE KEY-----`),
}

// keyValueSecretPatterns match assignments like password=hunter2 where the
// key name must survive redaction so the text stays readable.
var keyValueSecretPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// Value classes exclude a leading '[' so an already-redacted
	// password=[REDACTED] never re-matches; Redact stays idempotent.
	{regexp.MustCompile(`(?i)password[=:]\s*['"]?[^\s'"\[][^\s'"]*`), "password=" + redactedMarker},
	{regexp.MustCompile(`(?i)api[_-]?key[=:]\s*['"]?[a-zA-Z0-9-]+`), "api_key=" + redactedMarker},
	{regexp.MustCompile(`(?i)\b(secret|token)[=:]\s*['"]?[^\s'"\[][^\s'"]{3,}`), "${1}=" + redactedMarker},
}

// ContainsSecret reports whether s matches any redaction pattern without
// rewriting it. Strings under 8 characters cannot match any pattern and
// skip the scan.
func ContainsSecret(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range secretPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	for _, kv := range keyValueSecretPatterns {
		if kv.pattern.MatchString(s) {
			return true
		}
	}
	return false
}

// Redact replaces secret-shaped substrings with [REDACTED]. The input is
// returned unchanged when no pattern matches.
func Redact(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	for _, p := range secretPatterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, redactedMarker)
		}
	}
	for _, kv := range keyValueSecretPatterns {
		if kv.pattern.MatchString(result) {
			result = kv.pattern.ReplaceAllString(result, kv.replacement)
		}
	}
	return result
}

// TruncateString keeps the first max characters of s and appends a marker
// recording the original size. Strings at or under the limit pass through
// unchanged.
func TruncateString(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxChars
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	marker := fmt.Sprintf("\n\n... [TRUNCATED - original size: %d chars, limit: %d chars]", len(runes), max)
	return string(runes[:max]) + marker
}

// Truncate bounds a field value to max characters.
//
// Strings are truncated per TruncateString. Maps and slices whose canonical
// JSON form fits within max pass through with their type preserved; larger
// structured values are serialized and truncated, so the returned value
// becomes a string. Scalars and nil pass through untouched.
func Truncate(v any, max int) any {
	if max <= 0 {
		max = DefaultMaxChars
	}
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return TruncateString(val, max)
	case map[string]any, []any:
		serialized, err := json.Marshal(val)
		if err != nil {
			return v
		}
		if len([]rune(string(serialized))) <= max {
			return v
		}
		return TruncateString(string(serialized), max)
	default:
		return v
	}
}

// Clean applies redaction then truncation, the required order for any field
// destined for the telemetry sink. Redaction runs first so secrets inside
// the truncated tail never decide what survives.
func Clean(v any, max int) any {
	switch val := v.(type) {
	case string:
		return TruncateString(Redact(val), max)
	case map[string]any, []any:
		serialized, err := json.Marshal(val)
		if err != nil {
			return v
		}
		redacted := Redact(string(serialized))
		if redacted == string(serialized) && len([]rune(redacted)) <= max {
			return v
		}
		if len([]rune(redacted)) <= max {
			var out any
			if err := json.Unmarshal([]byte(redacted), &out); err == nil {
				return out
			}
			return redacted
		}
		return TruncateString(redacted, max)
	default:
		return Truncate(v, max)
	}
}
