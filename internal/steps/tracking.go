package steps

import (
	"context"
	"fmt"
	"strings"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/workflow"
)

const (
	msgUnknownPayer   = "I couldn't find a payment request for this number."
	msgPayHint        = "Reply \"paid\" once you've completed the payment."
	msgTrackingPrompt = "Send \"status\" to see who has paid, or \"Alice paid\" to mark a payment yourself."
)

type trackingHandler struct{ *base }

func (h *trackingHandler) Handle(_ context.Context, state domain.ConversationState, ev domain.InboundEvent) workflow.Outcome {
	bill, _, err := workflow.BillOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "track", err))
	}
	people, _, err := workflow.ParticipantsOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "track", err))
	}
	if ev.Entry {
		return workflow.Stay(domain.Reply(h.paymentStatus(bill, people)))
	}

	if idx, isPayer := h.payer(people, ev); isPayer {
		return h.fromPayer(state, bill, people, idx, ev)
	}

	toks := tokens(ev.Text)
	if len(toks) == 1 && (toks[0] == "status" || toks[0] == "who") {
		return workflow.Stay(domain.Reply(h.paymentStatus(bill, people)))
	}
	if IsPaymentConfirmation(ev.Text) {
		if idx := mentionedParticipant(people, ev.Text); idx >= 0 {
			return h.markPaid(state, bill, people, idx, nil)
		}
		return workflow.Stay(domain.Reply("Who paid? Send something like \"Alice paid\".")).
			WithFailure(recovery.NewFailure(recovery.UserInputError, "track", "payer not named"))
	}
	return workflow.Stay(domain.Reply(msgTrackingPrompt))
}

// payer returns the participant that sent ev, if it came from one. A
// reference must match one of this bill's requests; the sender's phone is
// only used when the event carries none.
func (h *trackingHandler) payer(people []domain.Participant, ev domain.InboundEvent) (int, bool) {
	if ev.Source != domain.SourcePayment {
		return -1, false
	}
	if ev.Reference != "" {
		for i, p := range people {
			if p.Reference != "" && p.Reference == ev.Reference {
				return i, true
			}
		}
		return -1, true
	}
	phone, _ := h.phones.Normalize(ev.SenderPhone)
	for i, p := range people {
		if phone != "" && p.Phone == phone {
			return i, true
		}
	}
	return -1, true
}

func (h *trackingHandler) fromPayer(state domain.ConversationState, bill domain.BillData, people []domain.Participant, idx int, ev domain.InboundEvent) workflow.Outcome {
	if idx < 0 {
		return workflow.Stay(domain.Reply(msgUnknownPayer)).
			WithFailure(recovery.NewFailure(recovery.UserInputError, "track", "payer not in this bill"))
	}
	if ev.Reference == "" && !IsPaymentConfirmation(ev.Text) {
		return workflow.Stay(domain.Reply(msgPayHint))
	}
	p := people[idx]
	if p.Status == domain.PaymentPaid {
		return workflow.Stay(domain.Reply(fmt.Sprintf("Thanks %s, your payment is already recorded.", p.Name)))
	}
	ack := domain.Reply(fmt.Sprintf("Thanks %s! Your payment of %s for %s is recorded.",
		p.Name, h.money(p.Share, bill), describe(bill)))
	return h.markPaid(state, bill, people, idx, &ack)
}

// markPaid records a payment. The organizer hears about every payment and,
// once everyone has paid, gets exactly one completion notice.
func (h *trackingHandler) markPaid(state domain.ConversationState, bill domain.BillData, people []domain.Participant, idx int, ack *domain.OutboundMessage) workflow.Outcome {
	next := append([]domain.Participant(nil), people...)
	if next[idx].Status == domain.PaymentPaid {
		return workflow.Stay(domain.Reply(fmt.Sprintf("%s is already marked as paid.", next[idx].Name)))
	}
	now := h.now()
	next[idx].Status = domain.PaymentPaid
	next[idx].PaidAt = &now

	var msgs []domain.OutboundMessage
	if ack != nil {
		msgs = append(msgs, *ack)
	}
	organizer := func(body string) domain.OutboundMessage {
		return domain.OutboundMessage{Recipient: state.UserID, Body: body}
	}

	paid := 0
	for _, p := range next {
		if p.Status == domain.PaymentPaid {
			paid++
		}
	}
	if paid == len(next) {
		msgs = append(msgs, organizer(h.completion(bill, next)))
		return workflow.Advance(domain.StepCompleted, msgs...).Set(workflow.KeyParticipants, next)
	}
	msgs = append(msgs, organizer(fmt.Sprintf("%s paid %s. %d of %d have paid.",
		next[idx].Name, h.money(next[idx].Share, bill), paid, len(next))))
	return workflow.Stay(msgs...).Set(workflow.KeyParticipants, next)
}

// mentionedParticipant finds the participant named in text, preferring full
// names over first names.
func mentionedParticipant(people []domain.Participant, text string) int {
	padded := " " + strings.Join(tokens(text), " ") + " "
	for i, p := range people {
		if name := strings.Join(tokens(p.Name), " "); name != "" && strings.Contains(padded, " "+name+" ") {
			return i
		}
	}
	for i, p := range people {
		if first := tokens(p.Name); len(first) > 0 && strings.Contains(padded, " "+first[0]+" ") {
			return i
		}
	}
	return -1
}

type completedHandler struct{}

func (completedHandler) Handle(context.Context, domain.ConversationState, domain.InboundEvent) workflow.Outcome {
	return workflow.Stay(domain.Reply(msgSettled))
}
