package workflow

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"billsplit-agent/internal/domain"
)

func TestDefaultTable_ForwardEdgesPresent(t *testing.T) {
	table := DefaultTable()
	steps := domain.Steps()
	for i := 0; i < len(steps)-1; i++ {
		require.True(t, table.Allows(steps[i], steps[i+1]), "%s -> %s", steps[i], steps[i+1])
	}
}

func TestDefaultTable_DeclaredEdges(t *testing.T) {
	table := DefaultTable()

	selfLoops := map[domain.Step]bool{
		domain.StepExtracting:         true,
		domain.StepCollectingContacts: true,
		domain.StepCalculatingSplits:  true,
	}
	for _, s := range domain.Steps() {
		require.Equal(t, selfLoops[s], table.Allows(s, s), "self loop on %s", s)
	}

	require.True(t, table.Allows(domain.StepConfirmingExtraction, domain.StepExtracting))
	require.True(t, table.Allows(domain.StepConfirmingSplits, domain.StepCalculatingSplits))
	require.False(t, table.Allows(domain.StepTrackingPayments, domain.StepSendingRequests))
	require.False(t, table.Allows(domain.StepInitial, domain.StepConfirmingExtraction))
	require.False(t, table.Allows(domain.StepCompleted, domain.StepInitial))
	require.False(t, table.Allows(domain.Step("BOGUS"), domain.StepInitial))
}

func TestDefaultTable_NoEdgeSkipsAStep(t *testing.T) {
	table := DefaultTable()
	for _, from := range domain.Steps() {
		rule, ok := table.Rule(from)
		require.True(t, ok)
		for _, to := range rule.Next {
			require.LessOrEqual(t, to.Index(), from.Index()+1, "%s -> %s", from, to)
		}
	}
}

func TestRandomWalk_StaysWithinStepSet(t *testing.T) {
	table := DefaultTable()
	rng := rand.New(rand.NewSource(42))
	for walk := 0; walk < 200; walk++ {
		cur := domain.StepInitial
		for i := 0; i < 50 && !cur.Terminal(); i++ {
			rule, _ := table.Rule(cur)
			next := rule.Next[rng.Intn(len(rule.Next))]
			require.True(t, table.Allows(cur, next))
			require.True(t, next.Valid())
			cur = next
		}
	}
}

func TestNewTable_RejectsSkippingEdge(t *testing.T) {
	rules := map[domain.Step]Rule{}
	for _, s := range domain.Steps() {
		rules[s] = Rule{}
	}
	rules[domain.StepInitial] = Rule{Next: []domain.Step{domain.StepCollectingContacts}}
	_, err := NewTable(rules)
	require.Error(t, err)
	require.Contains(t, err.Error(), "skips")

	delete(rules, domain.StepCompleted)
	rules[domain.StepInitial] = Rule{}
	_, err = NewTable(rules)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

func testBill() domain.BillData {
	return domain.BillData{Total: 90000, Currency: "INR", Description: "Dinner", Participants: []string{"Alice", "Bob"}}
}

func resolvedPeople() []domain.Participant {
	return []domain.Participant{
		{Name: "Alice", Phone: "+919876543210"},
		{Name: "Bob", Phone: "+919876543211"},
	}
}

func TestPredicates(t *testing.T) {
	table := DefaultTable()

	require.Error(t, table.CheckEntry(domain.StepConfirmingExtraction, map[string]any{}))
	require.NoError(t, table.CheckEntry(domain.StepConfirmingExtraction, map[string]any{KeyBill: testBill()}))

	dup := resolvedPeople()
	dup[1].Phone = dup[0].Phone
	err := table.CheckEntry(domain.StepCalculatingSplits, map[string]any{KeyBill: testBill(), KeyParticipants: dup})
	require.Error(t, err)
	require.Contains(t, err.Error(), "share a phone")

	people := resolvedPeople()
	ctx := map[string]any{KeyBill: testBill(), KeyParticipants: people}
	require.NoError(t, table.CheckEntry(domain.StepCalculatingSplits, ctx))
	require.Error(t, table.CheckExit(domain.StepCalculatingSplits, domain.StepConfirmingSplits, ctx))

	people[0].Share, people[1].Share = 45000, 45000
	ctx[KeyParticipants] = people
	require.NoError(t, table.CheckExit(domain.StepCalculatingSplits, domain.StepConfirmingSplits, ctx))

	require.NoError(t, table.CheckExit(domain.StepConfirmingSplits, domain.StepCalculatingSplits, map[string]any{}),
		"back-steps are not gated by exit predicates")
}

func TestDecode_AcceptsTypedAndNormalizedValues(t *testing.T) {
	typed := map[string]any{KeyBill: testBill()}
	norm, err := Normalize(testBill())
	require.NoError(t, err)
	generic := map[string]any{KeyBill: norm}

	a, ok, err := BillOf(typed)
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := BillOf(generic)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, b)

	_, ok, err = BillOf(map[string]any{})
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = BillOf(map[string]any{KeyBill: "not a bill"})
	require.Error(t, err)

	require.Equal(t, 2, IntOf(map[string]any{"n": float64(2)}, "n"))
	require.True(t, BoolOf(map[string]any{"b": true}, "b"))
	require.False(t, BoolOf(map[string]any{}, "b"))
}
