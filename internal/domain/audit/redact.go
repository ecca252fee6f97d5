package audit

import (
	"regexp"
	"strings"
)

// RedactedValue replaces any value stored under a sensitive key.
const RedactedValue = "[REDACTED]"

// sensitiveKeywords lists substrings that mark a payload key as sensitive.
// Comparison is case-insensitive; "auth" also covers "authorization".
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"credential", "auth", "bearer", "private_key", "privatekey",
	"ssn", "social_security", "card", "cvv", "cvc", "cookie", "jwt",
}

// Value patterns applied to string leaves that are not under a sensitive
// key. Matches are replaced with a typed marker so the log still shows what
// kind of value was removed.
var (
	// 13 to 16 digits in 4-4-4-N grouping, with optional space or dash
	// separators.
	ccPattern = regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{1,4}\b`)
	// ddd-dd-dddd or nine consecutive digits.
	ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b\d{9}\b`)
	// Three dot-separated base64url segments where the first two start with
	// eyJ, the serialization of a {"..."} JSON header.
	jwtPattern = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
)

// Redact returns a deep copy of payload with sensitive content removed.
// Values under sensitive-named keys become RedactedValue regardless of
// type; other string leaves have card, SSN, and JWT shaped substrings
// replaced with typed markers. The input is never mutated.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	case string:
		return redactString(t)
	default:
		return v
	}
}

func redactString(s string) string {
	s = ccPattern.ReplaceAllString(s, "[REDACTED:CC]")
	s = ssnPattern.ReplaceAllString(s, "[REDACTED:SSN]")
	s = jwtPattern.ReplaceAllString(s, "[REDACTED:JWT]")
	return s
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
