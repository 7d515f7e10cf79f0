package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a monetary value in the smallest unit of its currency.
type Amount int64

var ErrInvalidAmount = errors.New("invalid amount")

// CurrencyExponent returns the number of minor-unit digits for an ISO 4217
// code. Unknown codes use two.
func CurrencyExponent(code string) int {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "JPY", "KRW", "VND", "CLP", "ISK", "UGX":
		return 0
	case "BHD", "KWD", "OMR", "JOD", "TND":
		return 3
	default:
		return 2
	}
}

func CurrencySymbol(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "INR", "":
		return "₹"
	case "USD":
		return "$"
	case "EUR":
		return "€"
	case "GBP":
		return "£"
	case "JPY":
		return "¥"
	default:
		return strings.ToUpper(code) + " "
	}
}

var amountPrefixes = []string{"₹", "$", "€", "£", "¥", "rs.", "rs", "inr"}

// ParseAmount parses a decimal string such as "900", "450.5" or "₹1,200.00"
// into minor units. More fractional digits than exp allows is an error.
func ParseAmount(s string, exp int) (Amount, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range amountPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimSpace(strings.TrimPrefix(s, p))
			break
		}
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > exp {
		trimmed := strings.TrimRight(frac, "0")
		if len(trimmed) > exp {
			return 0, fmt.Errorf("%w: too many decimals in %q", ErrInvalidAmount, s)
		}
		frac = trimmed
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	frac += strings.Repeat("0", exp-len(frac))

	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return Amount(n), nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Format renders a as a plain decimal with exp fractional digits.
func (a Amount) Format(exp int) string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	if exp <= 0 {
		return sign + strconv.FormatInt(v, 10)
	}
	div := int64(1)
	for i := 0; i < exp; i++ {
		div *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", sign, v/div, exp, v%div)
}

func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Money formats a with the symbol of currency.
func Money(a Amount, currency string) string {
	return CurrencySymbol(currency) + a.Format(CurrencyExponent(currency))
}
