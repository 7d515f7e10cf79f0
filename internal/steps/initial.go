package steps

import (
	"context"
	"strings"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/workflow"
)

var billHints = wordSet("bill", "split", "total", "receipt", "paid", "owe", "dinner", "lunch", "rent")

type initialHandler struct{ *base }

func (h *initialHandler) Handle(_ context.Context, _ domain.ConversationState, ev domain.InboundEvent) workflow.Outcome {
	if ev.Entry {
		return workflow.Stay(domain.Reply(msgWelcome))
	}
	if ev.Kind == domain.InputVoice || ev.Kind == domain.InputImage || looksLikeBill(ev.Text) {
		return workflow.Advance(domain.StepExtracting).
			Set(workflow.KeyPartialBill, domain.BillData{Currency: h.cfg.Currency}).
			Then(workflow.ContinueWithEvent)
	}
	return workflow.Stay(domain.Reply(msgWelcome))
}

func looksLikeBill(text string) bool {
	if strings.ContainsAny(text, "0123456789₹$") {
		return true
	}
	for _, tok := range tokens(text) {
		if billHints[tok] {
			return true
		}
	}
	return false
}
