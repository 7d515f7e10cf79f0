// Package upi builds UPI deep links used as payment references.
package upi

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"billsplit-agent/internal/domain"
)

var (
	vpaPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+$`)

	ErrInvalidVPA    = errors.New("upi: invalid payee VPA")
	ErrInvalidAmount = errors.New("upi: amount must be positive")
)

const maxNoteLen = 80

// Generator produces upi://pay links for one payee display name and currency.
type Generator struct {
	payeeName string
	currency  string
	now       func() time.Time
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

func New(payeeName, currency string, opts ...Option) *Generator {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "INR"
	}
	g := &Generator{
		payeeName: strings.TrimSpace(payeeName),
		currency:  currency,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidVPA reports whether vpa looks like a UPI virtual payment address.
func ValidVPA(vpa string) bool {
	return vpaPattern.MatchString(strings.TrimSpace(vpa))
}

// GenerateReference returns a link asking for amount (minor units) to be paid
// to payeeID. Each link carries a fresh transaction reference.
func (g *Generator) GenerateReference(payeeID string, amount domain.Amount, note string) (string, error) {
	payeeID = strings.TrimSpace(payeeID)
	if !vpaPattern.MatchString(payeeID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVPA, payeeID)
	}
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	q := url.Values{}
	q.Set("pa", payeeID)
	if g.payeeName != "" {
		q.Set("pn", g.payeeName)
	}
	q.Set("am", amount.Format(domain.CurrencyExponent(g.currency)))
	q.Set("cu", g.currency)
	if note = strings.TrimSpace(note); note != "" {
		if r := []rune(note); len(r) > maxNoteLen {
			note = string(r[:maxNoteLen])
		}
		q.Set("tn", note)
	}
	q.Set("tr", ulid.MustNew(ulid.Timestamp(g.now()), ulid.DefaultEntropy()).String())

	return "upi://pay?" + strings.ReplaceAll(q.Encode(), "+", "%20"), nil
}
