package workflow

import (
	"errors"
	"fmt"

	"billsplit-agent/internal/domain"
)

// Predicate validates the context bag at a step boundary.
type Predicate func(c map[string]any) error

// Rule declares the legal successors of a step and the context predicates
// checked on entry and before advancing forward out of it.
type Rule struct {
	Next  []domain.Step
	Entry Predicate
	Exit  Predicate
}

// Table is the static transition table of the conversation.
type Table struct {
	rules map[domain.Step]Rule
}

// NewTable validates rules: every step has a rule, every edge targets a known
// step, and no edge skips a step.
func NewTable(rules map[domain.Step]Rule) (*Table, error) {
	for _, step := range domain.Steps() {
		rule, ok := rules[step]
		if !ok {
			return nil, fmt.Errorf("workflow: no rule for step %s", step)
		}
		for _, next := range rule.Next {
			if !next.Valid() {
				return nil, fmt.Errorf("workflow: step %s targets unknown step %q", step, next)
			}
			if next.Index() > step.Index()+1 {
				return nil, fmt.Errorf("workflow: edge %s -> %s skips a step", step, next)
			}
		}
	}
	for step := range rules {
		if !step.Valid() {
			return nil, fmt.Errorf("workflow: rule for unknown step %q", step)
		}
	}
	return &Table{rules: rules}, nil
}

// DefaultTable returns the bill-splitting transition table.
func DefaultTable() *Table {
	t, err := NewTable(map[domain.Step]Rule{
		domain.StepInitial: {
			Next: []domain.Step{domain.StepExtracting},
		},
		domain.StepExtracting: {
			Next: []domain.Step{domain.StepExtracting, domain.StepConfirmingExtraction},
			Exit: requireCompleteBill,
		},
		domain.StepConfirmingExtraction: {
			Next:  []domain.Step{domain.StepCollectingContacts, domain.StepExtracting},
			Entry: requireCompleteBill,
		},
		domain.StepCollectingContacts: {
			Next:  []domain.Step{domain.StepCollectingContacts, domain.StepCalculatingSplits},
			Entry: requireCompleteBill,
			Exit:  requireResolvedContacts,
		},
		domain.StepCalculatingSplits: {
			Next:  []domain.Step{domain.StepCalculatingSplits, domain.StepConfirmingSplits},
			Entry: requireResolvedContacts,
			Exit:  requireBalancedShares,
		},
		domain.StepConfirmingSplits: {
			Next:  []domain.Step{domain.StepSendingRequests, domain.StepCalculatingSplits},
			Entry: requireBalancedShares,
		},
		domain.StepSendingRequests: {
			Next:  []domain.Step{domain.StepTrackingPayments},
			Entry: requireBalancedShares,
			Exit:  requireAttemptedRequests,
		},
		domain.StepTrackingPayments: {
			Next:  []domain.Step{domain.StepCompleted},
			Entry: all(requireBalancedShares, requireAttemptedRequests),
			Exit:  requireAllPaid,
		},
		domain.StepCompleted: {
			Entry: requireAllPaid,
		},
	})
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Rule(step domain.Step) (Rule, bool) {
	r, ok := t.rules[step]
	return r, ok
}

// Allows reports whether from -> to is a declared edge.
func (t *Table) Allows(from, to domain.Step) bool {
	rule, ok := t.rules[from]
	if !ok {
		return false
	}
	for _, next := range rule.Next {
		if next == to {
			return true
		}
	}
	return false
}

// CheckEntry runs the entry predicate of step against c.
func (t *Table) CheckEntry(step domain.Step, c map[string]any) error {
	rule, ok := t.rules[step]
	if !ok {
		return fmt.Errorf("workflow: unknown step %q", step)
	}
	if rule.Entry == nil {
		return nil
	}
	if err := rule.Entry(c); err != nil {
		return fmt.Errorf("workflow: entry check for %s: %w", step, err)
	}
	return nil
}

// CheckExit runs the exit predicate of from when moving forward to to.
// Self-loops and back-steps are not gated by the exit predicate.
func (t *Table) CheckExit(from, to domain.Step, c map[string]any) error {
	if to.Index() <= from.Index() {
		return nil
	}
	rule, ok := t.rules[from]
	if !ok {
		return fmt.Errorf("workflow: unknown step %q", from)
	}
	if rule.Exit == nil {
		return nil
	}
	if err := rule.Exit(c); err != nil {
		return fmt.Errorf("workflow: exit check for %s: %w", from, err)
	}
	return nil
}

func all(preds ...Predicate) Predicate {
	return func(c map[string]any) error {
		for _, p := range preds {
			if err := p(c); err != nil {
				return err
			}
		}
		return nil
	}
}

func requireCompleteBill(c map[string]any) error {
	bill, ok, err := BillOf(c)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("bill missing")
	}
	if missing := bill.Missing(); len(missing) > 0 {
		return fmt.Errorf("bill incomplete: missing %v", missing)
	}
	return nil
}

func requireResolvedContacts(c map[string]any) error {
	if err := requireCompleteBill(c); err != nil {
		return err
	}
	bill, _, _ := BillOf(c)
	people, ok, err := ParticipantsOf(c)
	if err != nil {
		return err
	}
	if !ok || len(people) == 0 {
		return errors.New("participants missing")
	}
	if len(people) != len(bill.Participants) {
		return fmt.Errorf("participants out of sync with bill: %d != %d", len(people), len(bill.Participants))
	}
	seen := make(map[string]string, len(people))
	for _, p := range people {
		if p.Phone == "" {
			return fmt.Errorf("participant %q has no phone", p.Name)
		}
		if other, dup := seen[p.Phone]; dup {
			return fmt.Errorf("participants %q and %q share a phone", other, p.Name)
		}
		seen[p.Phone] = p.Name
	}
	return nil
}

func requireBalancedShares(c map[string]any) error {
	if err := requireResolvedContacts(c); err != nil {
		return err
	}
	bill, _, _ := BillOf(c)
	people, _, _ := ParticipantsOf(c)
	var sum domain.Amount
	for _, p := range people {
		if p.Share < 0 {
			return fmt.Errorf("participant %q has a negative share", p.Name)
		}
		sum += p.Share
	}
	if sum != bill.Total {
		return fmt.Errorf("shares sum to %d, total is %d", sum, bill.Total)
	}
	return nil
}

func requireAttemptedRequests(c map[string]any) error {
	people, _, err := ParticipantsOf(c)
	if err != nil {
		return err
	}
	results, ok, err := DeliveriesOf(c)
	if err != nil {
		return err
	}
	if !ok || len(results) != len(people) {
		return fmt.Errorf("delivery results cover %d of %d participants", len(results), len(people))
	}
	return nil
}

func requireAllPaid(c map[string]any) error {
	people, ok, err := ParticipantsOf(c)
	if err != nil {
		return err
	}
	if !ok || len(people) == 0 {
		return errors.New("participants missing")
	}
	for _, p := range people {
		if p.Status != domain.PaymentPaid {
			return fmt.Errorf("participant %q has not paid", p.Name)
		}
	}
	return nil
}
