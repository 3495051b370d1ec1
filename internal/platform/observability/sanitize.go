package observability

import (
	"unicode"

	"github.com/hanko-field/orders/internal/platform/textutil"
)

// sanitizeString drops control characters so request data cannot forge log lines.
func sanitizeString(value string, limit int) string {
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		cleaned = append(cleaned, r)
	}
	return textutil.Truncate(string(cleaned), limit)
}

// SanitizeRoute removes control characters and enforces length constraints on routes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod removes control characters in HTTP methods.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID bounds identifiers written to logs.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}
