package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a hostile host name or chat message cannot inject fake log
// entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Redact replaces a secret with a fixed marker for log output. Key material
// and bearer tokens must never appear in logs, even truncated.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}
