package steps

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/workflow"
)

type sendingHandler struct{ *base }

func (h *sendingHandler) Handle(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) workflow.Outcome {
	bill, _, err := workflow.BillOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "send", err))
	}
	people, _, err := workflow.ParticipantsOf(state.Context)
	if err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Corrupt, "send", err))
	}

	next := make([]domain.Participant, len(people))
	results := make([]domain.DeliveryResult, len(people))
	var wg sync.WaitGroup
	for i, p := range people {
		wg.Add(1)
		go func(i int, p domain.Participant) {
			defer wg.Done()
			next[i], results[i] = h.request(ctx, state, bill, p)
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return workflow.Fatal(recovery.Wrap(recovery.Fatal, "send", err))
	}

	sent, fellBack := 0, false
	var failed []string
	for _, r := range results {
		if r.Delivered {
			sent++
			if r.Channel != h.cfg.PrimaryChannel {
				fellBack = true
			}
			continue
		}
		failed = append(failed, r.Participant)
	}

	msgs := []domain.OutboundMessage{domain.Reply(fmt.Sprintf(
		"Sent payment requests to %d of %d people. I'll let you know as payments come in.", sent, len(results)))}
	if fellBack {
		msgs = append(msgs, domain.Reply(h.policy.Decide(recovery.NewFailure(recovery.DegradedService, "deliver", "")).Message))
	}
	if len(failed) > 0 {
		msgs = append(msgs, domain.Reply(fmt.Sprintf(
			"I couldn't reach %s. You may want to send them the amount yourself.", strings.Join(failed, ", "))))
	}
	return workflow.Advance(domain.StepTrackingPayments, msgs...).
		Set(workflow.KeyParticipants, next).
		Set(workflow.KeyDeliveries, results)
}

// request builds the payment reference for p and delivers it, falling back
// to the secondary channel when the primary one is unavailable.
func (h *sendingHandler) request(ctx context.Context, state domain.ConversationState, bill domain.BillData, p domain.Participant) (domain.Participant, domain.DeliveryResult) {
	result := domain.DeliveryResult{Participant: p.Name, Recipient: p.Phone}

	ref, err := h.refs.GenerateReference(h.cfg.PayeeID, p.Share, fmt.Sprintf("%s - %s", describe(bill), p.Name))
	if err != nil {
		h.logFailure(state, recovery.Wrap("", "reference", err))
		result.Error = err.Error()
		p.Status = domain.PaymentFailed
		return p, result
	}
	p.Reference = ref
	result.Reference = ref
	body := h.paymentRequest(bill, p, ref)

	channels := []domain.Channel{h.cfg.PrimaryChannel}
	if fb := h.cfg.FallbackChannel; fb != "" && fb != h.cfg.PrimaryChannel {
		channels = append(channels, fb)
	}
	for _, ch := range channels {
		op := "deliver." + string(ch)
		var res domain.DeliveryResult
		err := h.policy.Do(ctx, op, func(ctx context.Context) error {
			var err error
			res, err = h.delivery.Deliver(ctx, p.Phone, body, ch)
			return err
		}, recovery.WithFallback())
		if err == nil && res.Delivered {
			result.Channel = ch
			result.Delivered = true
			result.MessageID = res.MessageID
			result.Error = ""
			break
		}
		if err != nil {
			h.logFailure(state, recovery.AsFailure(op, err))
			result.Error = err.Error()
		} else {
			result.Error = res.Error
		}
		result.Channel = ch
	}

	if !result.Delivered {
		p.Status = domain.PaymentFailed
		return p, result
	}
	p.Status = domain.PaymentRequested
	h.register(ctx, state, p)
	return p, result
}

func (h *sendingHandler) register(ctx context.Context, state domain.ConversationState, p domain.Participant) {
	if h.payers == nil {
		return
	}
	link := domain.PaymentLink{Phone: p.Phone, Key: state.Key(), Reference: p.Reference, CreatedAt: h.now()}
	err := h.policy.Do(ctx, "payers.register", func(ctx context.Context) error {
		return h.payers.Register(ctx, link)
	}, recovery.WithFallback())
	if err != nil {
		h.logFailure(state, recovery.AsFailure("payers.register", err))
	}
}
