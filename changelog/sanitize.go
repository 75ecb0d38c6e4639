package changelog

import (
	"html"
	"strings"
)

// Default bounds and fallbacks for snapshot fields.
const (
	MaxMerchantLen    = 100
	MaxCategoryLen    = 100
	MaxDescriptionLen = 500

	FallbackMerchant = "Unknown"
	FallbackCategory = "Uncategorized"
)

// Sanitize cleans a free-text value before it is persisted into a
// changelog entry: trims whitespace, truncates to maxLength runes, and
// HTML-encodes reserved characters. Encoding is preferred over stripping
// so legitimate text like "AT&T" or "a < b" survives readably.
// Empty input yields fallback.
//
// Truncation happens before encoding so a multi-byte entity is never cut
// in half; encoded output may therefore exceed maxLength bytes, but never
// maxLength source runes.
func Sanitize(value string, maxLength int, fallback string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if runes := []rune(v); len(runes) > maxLength {
		v = string(runes[:maxLength])
	}
	return html.EscapeString(v)
}
