package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// PreviewLen is how much of an offending worker line is echoed into logs.
const PreviewLen = 100

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in worker output and error strings.
	secretKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|secret|password)\b"?\s*[:=]\s*"?[^\s"',}]+"?`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = secretKVRe.ReplaceAllString(out, "<redacted_kv>")
	return strings.TrimSpace(out)
}

// Preview shortens a line for logging: at most PreviewLen characters, with
// "..." appended when anything was cut, and secrets removed.
func Preview(line string) string {
	if utf8.RuneCountInString(line) > PreviewLen {
		runes := []rune(line)
		line = string(runes[:PreviewLen]) + "..."
	}
	return Secrets(line)
}
