package domain

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// erpTagPattern matches the legacy "[Odoo ID: <token>]" annotation embedded in product descriptions.
var erpTagPattern = regexp.MustCompile(`(?i)\[\s*odoo\s*id\s*:\s*([^\]\s][^\]]*?)\s*\]`)

// ERPToken returns the external catalog identifier for the product. The first-class ExternalID
// wins; otherwise the description tag is parsed for records created before the field existed.
func (p Product) ERPToken() (string, bool) {
	if id := strings.TrimSpace(p.ExternalID); id != "" {
		return id, true
	}
	return ExtractERPTag(p.Description)
}

// ExtractERPTag pulls the token out of a "[Odoo ID: <token>]" annotation. Full-width brackets and
// colons are folded by NFKC normalisation before matching.
func ExtractERPTag(description string) (string, bool) {
	if strings.TrimSpace(description) == "" {
		return "", false
	}
	normalised := norm.NFKC.String(description)
	match := erpTagPattern.FindStringSubmatch(normalised)
	if len(match) < 2 {
		return "", false
	}
	token := strings.TrimSpace(match[1])
	if token == "" {
		return "", false
	}
	return token, true
}
