package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/splitter"
	"billsplit-agent/internal/workflow"
)

type splitsHandler struct{ *base }

func (h *splitsHandler) Handle(_ context.Context, state domain.ConversationState, ev domain.InboundEvent) workflow.Outcome {
	if ev.Entry {
		return workflow.Stay(domain.Reply(msgSplitPrompt))
	}
	bill, _, err := workflow.BillOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "split", err))
	}
	people, _, err := workflow.ParticipantsOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "split", err))
	}
	if len(people) == 0 {
		return workflow.Fatal(recovery.NewFailure(recovery.Corrupt, "split", "no participants to split between"))
	}

	names := make([]string, len(people))
	for i, p := range people {
		names[i] = p.Name
	}

	var shares []domain.Amount
	custom := splitter.ParseCustom(ev.Text, names, bill.Exponent())
	switch {
	case len(custom) > 0:
		var missing []string
		raw := make([]domain.Amount, len(people))
		for i := range people {
			amt, ok := custom[i]
			if !ok {
				missing = append(missing, people[i].Name)
				continue
			}
			raw[i] = amt
		}
		if len(missing) > 0 {
			return workflow.Stay(domain.Reply(fmt.Sprintf("How much should %s pay? Please send an amount for everyone.",
				strings.Join(missing, " and ")))).
				WithFailure(recovery.NewFailure(recovery.UserInputError, "split", "incomplete custom split"))
		}
		shares, err = splitter.Reconcile(raw, bill.Total, h.cfg.SplitTolerance, h.cfg.Remainder)
		var gap *splitter.DiscrepancyError
		if errors.As(err, &gap) {
			return workflow.Stay(domain.Reply(h.discrepancy(bill, gap))).
				WithFailure(recovery.Wrap(recovery.UserInputError, "split", err))
		}
		var zero *splitter.ZeroShareError
		if errors.As(err, &zero) {
			return workflow.Stay(domain.Reply(fmt.Sprintf(msgZeroShare, people[zero.Index].Name))).
				WithFailure(recovery.Wrap(recovery.UserInputError, "split", err))
		}
		if err != nil {
			return workflow.Stay(domain.Reply(msgSplitPrompt)).
				WithFailure(recovery.Wrap(recovery.UserInputError, "split", err))
		}

	case wantsEqualSplit(ev.Text):
		shares, err = splitter.Equal(bill.Total, len(people), h.cfg.Remainder)
		if errors.Is(err, splitter.ErrTotalTooSmall) {
			return workflow.Stay(domain.Reply(msgTotalTooSmall)).
				WithFailure(recovery.Wrap(recovery.UserInputError, "split", err))
		}
		if err != nil {
			return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "split", err))
		}

	default:
		return workflow.Stay(domain.Reply(msgSplitPrompt))
	}

	next := make([]domain.Participant, len(people))
	for i, p := range people {
		p.Share = shares[i]
		p.Status = domain.PaymentPending
		p.Reference = ""
		p.PaidAt = nil
		next[i] = p
	}
	return workflow.Advance(domain.StepConfirmingSplits, domain.Reply(h.splitSummary(bill, next))).
		Set(workflow.KeyParticipants, next)
}

func (h *splitsHandler) discrepancy(bill domain.BillData, gap *splitter.DiscrepancyError) string {
	delta := gap.Delta()
	gapText := fmt.Sprintf("a shortfall of %s", h.money(delta, bill))
	if delta < 0 {
		gapText = fmt.Sprintf("over by %s", h.money(delta.Abs(), bill))
	}
	return fmt.Sprintf("Those amounts add up to %s but the bill is %s, %s. Please send amounts that add up to the total, or reply \"equal\".",
		h.money(gap.Sum, bill), h.money(bill.Total, bill), gapText)
}
