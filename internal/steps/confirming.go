package steps

import (
	"context"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/workflow"
)

// confirmationHandler implements the confirm / reject / unclear pattern
// shared by both confirmation steps.
type confirmationHandler struct {
	*base
	step      domain.Step
	onConfirm func(state domain.ConversationState) workflow.Outcome
	onReject  func(state domain.ConversationState) workflow.Outcome
	reprompt  func(state domain.ConversationState) string
}

func (h *confirmationHandler) Handle(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) workflow.Outcome {
	if ev.Entry {
		return workflow.Stay(domain.Reply(h.reprompt(state)))
	}

	intent, f := h.intent(ctx, ev.Text, h.step)
	if f != nil && f.Kind == recovery.Fatal {
		return workflow.Fatal(f)
	}

	var out workflow.Outcome
	switch intent {
	case IntentConfirm:
		out = h.onConfirm(state)
	case IntentReject:
		out = h.onReject(state)
	default:
		out = workflow.Stay(domain.Reply("Sorry, I didn't catch that.\n"+h.reprompt(state))).
			Set(workflow.KeyClarifications, workflow.IntOf(state.Context, workflow.KeyClarifications)+1)
	}
	if f != nil {
		h.logFailure(state, f)
		out.Messages = append(out.Messages, domain.Reply(msgDegradedNote))
	}
	return out
}

func newExtractionConfirmation(b *base) workflow.Handler {
	return &confirmationHandler{
		base: b,
		step: domain.StepConfirmingExtraction,
		onConfirm: func(domain.ConversationState) workflow.Outcome {
			return workflow.Advance(domain.StepCollectingContacts, domain.Reply("Great, the bill is confirmed.")).
				Unset(workflow.KeyClarifications).
				Then(workflow.ContinueOnEntry)
		},
		onReject: func(state domain.ConversationState) workflow.Outcome {
			bill, _, _ := workflow.BillOf(state.Context)
			return workflow.Advance(domain.StepExtracting, domain.Reply(msgRedoBill)).
				Set(workflow.KeyPartialBill, domain.BillData{Currency: bill.Currency}).
				Unset(workflow.KeyBill).
				Unset(workflow.KeyClarifications)
		},
		reprompt: func(state domain.ConversationState) string {
			bill, _, _ := workflow.BillOf(state.Context)
			return b.billSummary(bill)
		},
	}
}

func newSplitConfirmation(b *base) workflow.Handler {
	return &confirmationHandler{
		base: b,
		step: domain.StepConfirmingSplits,
		onConfirm: func(domain.ConversationState) workflow.Outcome {
			return workflow.Advance(domain.StepSendingRequests, domain.Reply("Sending payment requests now.")).
				Unset(workflow.KeyClarifications).
				Then(workflow.ContinueOnEntry)
		},
		onReject: func(domain.ConversationState) workflow.Outcome {
			return workflow.Advance(domain.StepCalculatingSplits, domain.Reply(msgRedoSplit)).
				Unset(workflow.KeyClarifications)
		},
		reprompt: func(state domain.ConversationState) string {
			bill, _, _ := workflow.BillOf(state.Context)
			people, _, _ := workflow.ParticipantsOf(state.Context)
			return b.splitSummary(bill, people)
		},
	}
}
