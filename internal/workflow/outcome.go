package workflow

import (
	"context"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
)

// Status is the verdict a step handler reaches for one event.
type Status int

const (
	StatusAdvance Status = iota + 1
	StatusRetry
	StatusStay
	StatusReset
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusAdvance:
		return "Advance"
	case StatusRetry:
		return "Retry"
	case StatusStay:
		return "Stay"
	case StatusReset:
		return "Reset"
	case StatusFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Continuation tells the machine whether to dispatch again to the step just
// entered within the same unit of work.
type Continuation int

const (
	ContinueNone Continuation = iota
	// ContinueWithEvent hands the same inbound event to the next step.
	ContinueWithEvent
	// ContinueOnEntry dispatches a content-free entry event to the next step.
	ContinueOnEntry
)

// Outcome is the ephemeral result of one handler invocation. Patch values
// may be any JSON-encodable Go value; a nil value removes the key.
type Outcome struct {
	Status   Status
	Next     domain.Step
	Patch    map[string]any
	Messages []domain.OutboundMessage
	Failure  *recovery.Failure
	Continue Continuation
}

func Advance(next domain.Step, msgs ...domain.OutboundMessage) Outcome {
	return Outcome{Status: StatusAdvance, Next: next, Messages: msgs}
}

func Stay(msgs ...domain.OutboundMessage) Outcome {
	return Outcome{Status: StatusStay, Messages: msgs}
}

func Retry(f *recovery.Failure, msgs ...domain.OutboundMessage) Outcome {
	return Outcome{Status: StatusRetry, Failure: f, Messages: msgs}
}

func Reset(msgs ...domain.OutboundMessage) Outcome {
	return Outcome{Status: StatusReset, Messages: msgs}
}

func Fatal(f *recovery.Failure, msgs ...domain.OutboundMessage) Outcome {
	return Outcome{Status: StatusFatal, Failure: f, Messages: msgs}
}

// Set records key in the context patch.
func (o Outcome) Set(key string, v any) Outcome {
	if o.Patch == nil {
		o.Patch = make(map[string]any)
	}
	o.Patch[key] = v
	return o
}

// Unset removes key from the context when the outcome is applied.
func (o Outcome) Unset(key string) Outcome {
	return o.Set(key, nil)
}

func (o Outcome) WithFailure(f *recovery.Failure) Outcome {
	o.Failure = f
	return o
}

func (o Outcome) Then(c Continuation) Outcome {
	o.Continue = c
	return o
}

// Handler processes one event for one step. Implementations must treat
// state as read-only and express changes through the returned Outcome.
type Handler interface {
	Handle(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) Outcome
}

type HandlerFunc func(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) Outcome

func (f HandlerFunc) Handle(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) Outcome {
	return f(ctx, state, ev)
}
