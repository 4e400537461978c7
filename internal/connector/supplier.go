package connector

import (
	"regexp"
	"strings"

	"github.com/cost-watchdog/backend/internal/core"
)

// SupplierMatch is the outcome of supplier detection on extracted text.
type SupplierMatch struct {
	SupplierID string
	Method     string
	Confidence float64
}

// DetectorRule is the matchable fingerprint of one supplier. TaxID and
// IBANs are exact matches; NamePattern is a vendor-specific regex; Keywords
// are lowercased substrings.
type DetectorRule struct {
	SupplierID  string
	TaxID       string
	IBANs       []string
	NamePattern *regexp.Regexp
	Keywords    []string
}

// SupplierDetector matches invoice text against known suppliers. Matchers
// run in confidence order and the first hit wins: tax id 0.95, IBAN 0.90,
// name pattern 0.80, keyword 0.60.
type SupplierDetector struct {
	rules []DetectorRule
}

func NewSupplierDetector(rules []DetectorRule) *SupplierDetector {
	return &SupplierDetector{rules: rules}
}

// RulesFromSuppliers builds detector rules from the supplier catalog. The
// name pattern tolerates flexible whitespace between name tokens; the
// character class covers non-ASCII letters so umlauted and accented
// supplier names match.
func RulesFromSuppliers(suppliers []*core.Supplier) []DetectorRule {
	rules := make([]DetectorRule, 0, len(suppliers))
	for _, s := range suppliers {
		rule := DetectorRule{
			SupplierID: s.ID,
			TaxID:      normalizeTaxID(s.TaxID),
		}
		if pat := namePattern(s.Name); pat != nil {
			rule.NamePattern = pat
		}
		if s.ShortName != "" {
			rule.Keywords = append(rule.Keywords, strings.ToLower(s.ShortName))
		}
		rules = append(rules, rule)
	}
	return rules
}

// Detect runs the matchers over the full document text. Returns nil when no
// rule matches.
func (d *SupplierDetector) Detect(text string) *SupplierMatch {
	normalized := normalizeTaxID(text)
	lower := strings.ToLower(text)

	for _, r := range d.rules {
		if r.TaxID != "" && strings.Contains(normalized, r.TaxID) {
			return &SupplierMatch{SupplierID: r.SupplierID, Method: "tax_id", Confidence: 0.95}
		}
	}
	for _, r := range d.rules {
		for _, iban := range r.IBANs {
			if iban != "" && strings.Contains(normalized, normalizeTaxID(iban)) {
				return &SupplierMatch{SupplierID: r.SupplierID, Method: "iban", Confidence: 0.90}
			}
		}
	}
	for _, r := range d.rules {
		if r.NamePattern != nil && r.NamePattern.MatchString(text) {
			return &SupplierMatch{SupplierID: r.SupplierID, Method: "name", Confidence: 0.80}
		}
	}
	for _, r := range d.rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(lower, kw) {
				return &SupplierMatch{SupplierID: r.SupplierID, Method: "keyword", Confidence: 0.60}
			}
		}
	}
	return nil
}

// nameToken keeps letters in any script plus the characters that occur in
// legal company names.
var nameToken = regexp.MustCompile(`[^\p{L}0-9&.,\- ]+`)

func namePattern(name string) *regexp.Regexp {
	clean := strings.TrimSpace(nameToken.ReplaceAllString(name, " "))
	if clean == "" {
		return nil
	}
	tokens := strings.Fields(clean)
	for i, t := range tokens {
		tokens[i] = regexp.QuoteMeta(t)
	}
	pat, err := regexp.Compile(`(?i)` + strings.Join(tokens, `\s+`))
	if err != nil {
		return nil
	}
	return pat
}

// normalizeTaxID uppercases and strips spacing so DE 123 456 789 and
// DE123456789 compare equal.
func normalizeTaxID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 32)
		}
	}
	return b.String()
}
