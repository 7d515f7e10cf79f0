// Package splitter divides a bill total into per-participant shares that
// always sum to the total exactly.
package splitter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"billsplit-agent/internal/domain"
)

// RemainderPolicy decides who absorbs the units that do not divide evenly.
// First and Last put the whole remainder on one share. Spread hands out one
// unit per share from the front.
type RemainderPolicy string

const (
	RemainderFirst  RemainderPolicy = "first"
	RemainderLast   RemainderPolicy = "last"
	RemainderSpread RemainderPolicy = "spread"
)

var (
	ErrNoParticipants = errors.New("splitter: no participants")
	ErrInvalidTotal   = errors.New("splitter: total must be positive")
	ErrTotalTooSmall  = errors.New("splitter: total is smaller than one unit per participant")
)

func ParseRemainderPolicy(s string) (RemainderPolicy, error) {
	switch p := RemainderPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RemainderFirst, nil
	case RemainderFirst, RemainderLast, RemainderSpread:
		return p, nil
	default:
		return "", fmt.Errorf("splitter: unknown remainder policy %q", s)
	}
}

// Equal divides total among n participants.
func Equal(total domain.Amount, n int, policy RemainderPolicy) ([]domain.Amount, error) {
	if n <= 0 {
		return nil, ErrNoParticipants
	}
	if total <= 0 {
		return nil, ErrInvalidTotal
	}
	if total < domain.Amount(n) {
		return nil, ErrTotalTooSmall
	}
	base := total / domain.Amount(n)
	shares := make([]domain.Amount, n)
	for i := range shares {
		shares[i] = base
	}
	distribute(shares, total-base*domain.Amount(n), policy)
	return shares, nil
}

// DiscrepancyError reports custom shares that do not add up to the total.
type DiscrepancyError struct {
	Total domain.Amount
	Sum   domain.Amount
}

func (e *DiscrepancyError) Error() string {
	return fmt.Sprintf("splitter: shares sum to %d, total is %d", e.Sum, e.Total)
}

// Delta is positive for a shortfall and negative when shares exceed the
// total.
func (e *DiscrepancyError) Delta() domain.Amount { return e.Total - e.Sum }

// ZeroShareError reports a participant whose share is not positive. A
// payment request for nothing can never be collected.
type ZeroShareError struct {
	Index int
}

func (e *ZeroShareError) Error() string {
	return fmt.Sprintf("splitter: share %d is not positive", e.Index)
}

// Reconcile accepts custom shares whose sum is within tolerance of total and
// assigns the residual according to policy.
func Reconcile(shares []domain.Amount, total, tolerance domain.Amount, policy RemainderPolicy) ([]domain.Amount, error) {
	if len(shares) == 0 {
		return nil, ErrNoParticipants
	}
	var sum domain.Amount
	for i, s := range shares {
		if s <= 0 {
			return nil, &ZeroShareError{Index: i}
		}
		sum += s
	}
	residual := total - sum
	if residual.Abs() > tolerance {
		return nil, &DiscrepancyError{Total: total, Sum: sum}
	}
	out := append([]domain.Amount(nil), shares...)
	distribute(out, residual, policy)
	for i, s := range out {
		if s <= 0 {
			return nil, &ZeroShareError{Index: i}
		}
	}
	return out, nil
}

func distribute(shares []domain.Amount, rem domain.Amount, policy RemainderPolicy) {
	if rem == 0 {
		return
	}
	switch policy {
	case RemainderLast:
		shares[len(shares)-1] += rem
	case RemainderSpread:
		unit := domain.Amount(1)
		if rem < 0 {
			unit = -1
		}
		for i := 0; rem != 0; i = (i + 1) % len(shares) {
			shares[i] += unit
			rem -= unit
		}
	default:
		shares[0] += rem
	}
}

const amountPattern = `(?:₹|rs\.?|inr|\$)?\s*(\d[\d,]*(?:\.\d+)?)`

// ParseCustom finds "<name> <amount>" pairs for the given participant names.
// The result is keyed by the participant's index in names.
func ParseCustom(text string, names []string, exp int) map[int]domain.Amount {
	text = norm.NFKC.String(text)
	found := make(map[int]domain.Amount)
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)(?:^|[^\pL])` + regexp.QuoteMeta(name) +
			`(?:[\s:=\-]|owes|pays|should pay|will pay|gets)*` + amountPattern)
		if err != nil {
			continue
		}
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		amt, err := domain.ParseAmount(m[1], exp)
		if err != nil {
			continue
		}
		found[i] = amt
	}
	return found
}
