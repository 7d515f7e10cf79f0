package steps

import (
	"regexp"
	"strings"
	"unicode"

	"billsplit-agent/internal/domain"
)

var (
	billAmount    = regexp.MustCompile(`(?i)(?:₹|rs\.?|inr|\$)?\s*(\d[\d,]*(?:\.\d{1,3})?)`)
	peopleClause  = regexp.MustCompile(`(?i)\b(?:with|between|among|amongst)\s+(.+)$`)
	nameSeparator = regexp.MustCompile(`(?i)\s*(?:,|&|\band\b|\+|;|\n)\s*`)
	fillerWords   = wordSet("split", "the", "bill", "total", "of", "for", "was", "is", "it", "please", "me", "and", "rs", "inr")
)

// ParseBillText is the deterministic text extractor used when the AI
// extractor is unavailable. It understands "<what> <amount> with <names>".
func ParseBillText(text, currency string) domain.BillData {
	bill := domain.BillData{Currency: currency}
	rest := text

	if m := peopleClause.FindStringSubmatchIndex(rest); m != nil {
		bill.Participants = ParseNames(rest[m[2]:m[3]])
		rest = rest[:m[0]]
	}
	if m := billAmount.FindStringSubmatchIndex(rest); m != nil {
		if amt, err := domain.ParseAmount(rest[m[2]:m[3]], domain.CurrencyExponent(currency)); err == nil {
			bill.Total = amt
		}
		rest = rest[:m[0]] + " " + rest[m[1]:]
	}

	var desc []string
	for _, w := range strings.Fields(rest) {
		if fillerWords[strings.ToLower(strings.Trim(w, ".,:-"))] {
			continue
		}
		if hasLetter(w) {
			desc = append(desc, strings.Trim(w, ".,:-"))
		}
	}
	bill.Description = strings.Join(desc, " ")
	return bill
}

// ParseNames splits "Alice, Bob and Carol" into names. Fragments containing
// digits are dropped.
func ParseNames(text string) []string {
	var names []string
	for _, part := range nameSeparator.Split(text, -1) {
		part = strings.Trim(strings.TrimSpace(part), ".!:-")
		if part == "" || !hasLetter(part) || strings.ContainsAny(part, "0123456789") {
			continue
		}
		names = append(names, part)
	}
	return names
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
