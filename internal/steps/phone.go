package steps

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PhoneFormat is one accepted regional number pattern, matched against the
// normalized "+<digits>" form.
type PhoneFormat struct {
	Name    string
	Pattern string
}

// PhoneValidator normalizes user-typed numbers and checks them against the
// configured regional formats.
type PhoneValidator struct {
	countryDigits string
	formats       []*regexp.Regexp
}

var phoneCandidate = regexp.MustCompile(`\+?\d[\d\s\-().]{6,}\d`)

func NewPhoneValidator(countryCode string, formats []PhoneFormat) (*PhoneValidator, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if digits == "" || !isDigits(digits) {
		return nil, fmt.Errorf("steps: invalid country code %q", countryCode)
	}
	if len(formats) == 0 {
		return nil, errors.New("steps: at least one phone format is required")
	}
	v := &PhoneValidator{countryDigits: digits}
	for _, f := range formats {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("steps: phone format %q: %w", f.Name, err)
		}
		v.formats = append(v.formats, re)
	}
	return v, nil
}

// Normalize returns raw in "+<digits>" form and whether it matches one of
// the configured formats.
func (v *PhoneValidator) Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	plus := strings.HasPrefix(raw, "+")
	var sb strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	if digits == "" {
		return "", false
	}

	var phone string
	switch {
	case plus:
		phone = "+" + digits
	case strings.HasPrefix(digits, "00"):
		phone = "+" + digits[2:]
	case len(digits) == 10:
		phone = "+" + v.countryDigits + digits
	case len(digits) == 11 && digits[0] == '0':
		phone = "+" + v.countryDigits + digits[1:]
	case strings.HasPrefix(digits, v.countryDigits) && len(digits) == len(v.countryDigits)+10:
		phone = "+" + digits
	default:
		phone = "+" + digits
	}

	for _, re := range v.formats {
		if re.MatchString(phone) {
			return phone, true
		}
	}
	return phone, false
}

// FindPhone returns the first phone-like substring of text and the text with
// it removed.
func FindPhone(text string) (string, string, bool) {
	loc := phoneCandidate.FindStringIndex(text)
	if loc == nil {
		return "", text, false
	}
	return text[loc[0]:loc[1]], text[:loc[0]] + " " + text[loc[1]:], true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
