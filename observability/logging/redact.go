package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr carrying the redacted placeholder instead of
// the supplied value. Use it for API keys, tokens, and signatures.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
