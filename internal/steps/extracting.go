package steps

import (
	"context"
	"strings"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/workflow"
)

type extractingHandler struct{ *base }

func (h *extractingHandler) Handle(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) workflow.Outcome {
	if ev.Entry {
		return workflow.Stay(domain.Reply(msgSendBill))
	}

	partial, _, err := workflow.PartialBillOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "extract", err))
	}
	if partial.Currency == "" {
		partial.Currency = h.cfg.Currency
	}

	if workflow.BoolOf(state.Context, workflow.KeyTextOnly) && ev.Kind != domain.InputText {
		return workflow.Stay(domain.Reply(msgTextOnly)).
			WithFailure(recovery.NewFailure(recovery.UserInputError, "extract", "text-only mode"))
	}

	var notes []domain.OutboundMessage
	update, ok := h.answerClarification(partial, ev)
	if !ok {
		var out *workflow.Outcome
		update, notes, out = h.extract(ctx, state, ev, partial.Currency)
		if out != nil {
			return *out
		}
	}

	merged := partial.Merge(update)
	if merged.Complete() {
		msgs := append([]domain.OutboundMessage{domain.Reply(h.billSummary(merged))}, notes...)
		return workflow.Advance(domain.StepConfirmingExtraction, msgs...).
			Set(workflow.KeyBill, merged).
			Unset(workflow.KeyPartialBill).
			Unset(workflow.KeyTextOnly).
			Unset(workflow.KeyClarifications)
	}

	msgs := notes
	for _, field := range merged.Missing() {
		switch field {
		case "total":
			msgs = append(msgs, domain.Reply(msgAskTotal))
		case "participants":
			msgs = append(msgs, domain.Reply(msgAskPeople))
		}
	}
	return workflow.Stay(msgs...).
		Set(workflow.KeyPartialBill, merged).
		Set(workflow.KeyClarifications, workflow.IntOf(state.Context, workflow.KeyClarifications)+1)
}

// answerClarification handles short typed answers to an outstanding
// clarifying question without calling an extractor.
func (h *extractingHandler) answerClarification(partial domain.BillData, ev domain.InboundEvent) (domain.BillData, bool) {
	if ev.Kind != domain.InputText {
		return domain.BillData{}, false
	}
	missing := partial.Missing()
	if len(missing) != 1 {
		return domain.BillData{}, false
	}
	text := strings.TrimSpace(ev.Text)
	switch missing[0] {
	case "total":
		amt, err := domain.ParseAmount(text, partial.Exponent())
		if err != nil || amt <= 0 {
			return domain.BillData{}, false
		}
		return domain.BillData{Total: amt}, true
	case "participants":
		if strings.ContainsAny(text, "0123456789") {
			return domain.BillData{}, false
		}
		names := ParseNames(text)
		if len(names) == 0 {
			return domain.BillData{}, false
		}
		return domain.BillData{Participants: names}, true
	}
	return domain.BillData{}, false
}

// extract calls the extractor for the event's input kind. A non-nil outcome
// ends the step early; notes tell the user about a degraded fallback.
func (h *extractingHandler) extract(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent, currency string) (bill domain.BillData, notes []domain.OutboundMessage, _ *workflow.Outcome) {
	op := "extract." + string(ev.Kind)
	ex := h.extractors[ev.Kind]

	var f *recovery.Failure
	if ex == nil {
		f = recovery.Wrap(recovery.DegradedService, op, recovery.ErrUnavailable)
	} else {
		err := h.policy.Do(ctx, op, func(ctx context.Context) error {
			var err error
			bill, err = ex.Extract(ctx, ev.Raw())
			return err
		}, recovery.WithFallback())
		f = recovery.AsFailure(op, err)
	}
	if f == nil {
		if bill.Total <= 0 && len(bill.Participants) == 0 && bill.Description == "" {
			out := workflow.Stay(domain.Reply(msgNoBill)).
				WithFailure(recovery.NewFailure(recovery.UserInputError, op, "nothing extracted"))
			return domain.BillData{}, nil, &out
		}
		return bill, nil, nil
	}

	switch f.Kind {
	case recovery.UserInputError:
		out := workflow.Stay(domain.Reply(msgNoBill)).WithFailure(f)
		return domain.BillData{}, nil, &out

	case recovery.DegradedService:
		if ev.Kind == domain.InputText {
			h.logFailure(state, f)
			parsed := ParseBillText(ev.Text, currency)
			if parsed.Total > 0 || len(parsed.Participants) > 0 {
				return parsed, []domain.OutboundMessage{domain.Reply(msgBasicParser)}, nil
			}
			out := workflow.Stay(domain.Reply(msgTextOnly)).WithFailure(f)
			return domain.BillData{}, nil, &out
		}
		if state.RetryCount+1 < h.policy.MaxRetryCount() {
			out := workflow.Retry(f, domain.Reply(msgTryAgain))
			return domain.BillData{}, nil, &out
		}
		out := workflow.Stay(domain.Reply(h.policy.Decide(f).Message)).
			Set(workflow.KeyTextOnly, true).
			WithFailure(f)
		return domain.BillData{}, nil, &out

	default:
		out := workflow.Fatal(f)
		return domain.BillData{}, nil, &out
	}
}
