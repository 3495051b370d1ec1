// Package textutil cleans free text supplied by callers before it is stored or forwarded.
package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var plainPolicy = bluemonday.StrictPolicy()

// PlainText strips markup and control characters, collapses surrounding whitespace and truncates
// the result to maxRunes runes. A non-positive maxRunes disables truncation.
func PlainText(value string, maxRunes int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := html.UnescapeString(plainPolicy.Sanitize(value))
	cleaned = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.TrimSpace(cleaned)
	return Truncate(cleaned, maxRunes)
}

// Truncate cuts value to at most maxRunes runes without splitting a multi-byte character.
func Truncate(value string, maxRunes int) string {
	if maxRunes <= 0 {
		return value
	}
	runes := []rune(value)
	if len(runes) <= maxRunes {
		return value
	}
	return strings.TrimSpace(string(runes[:maxRunes]))
}
