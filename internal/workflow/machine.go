package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
)

const msgRejected = "Sorry, I couldn't apply that change. Please try again."

// Result is the machine's verdict for one event. When Rejected is set the
// event must not be persisted and State equals the input state.
type Result struct {
	State    domain.ConversationState
	Messages []domain.OutboundMessage
	Failure  *recovery.Failure
	Rejected bool
}

// Machine validates transitions and dispatches events to step handlers.
type Machine struct {
	table    *Table
	handlers map[domain.Step]Handler
	policy   *recovery.Policy
	logger   *slog.Logger
	now      func() time.Time
}

type MachineOption func(*Machine)

func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMachine(table *Table, handlers map[domain.Step]Handler, policy *recovery.Policy, opts ...MachineOption) (*Machine, error) {
	if table == nil {
		return nil, errors.New("workflow: table must not be nil")
	}
	if policy == nil {
		return nil, errors.New("workflow: recovery policy must not be nil")
	}
	for _, step := range domain.Steps() {
		if handlers[step] == nil {
			return nil, fmt.Errorf("workflow: no handler for step %s", step)
		}
	}
	m := &Machine{
		table:    table,
		handlers: handlers,
		policy:   policy,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Validate reports a Corrupt failure when state sits on an unknown step or
// its context fails the step's entry predicate.
func (m *Machine) Validate(state domain.ConversationState) *recovery.Failure {
	if !state.CurrentStep.Valid() {
		return recovery.NewFailure(recovery.Corrupt, "validate", fmt.Sprintf("unknown step %q", state.CurrentStep))
	}
	if err := m.table.CheckEntry(state.CurrentStep, state.Context); err != nil {
		return recovery.Wrap(recovery.Corrupt, "validate", err)
	}
	return nil
}

// ResetCorrupt returns state reset to INITIAL after a failed validation,
// with the restart notice.
func (m *Machine) ResetCorrupt(state domain.ConversationState, f *recovery.Failure) Result {
	m.log(state, f)
	next := m.fresh(state, f)
	return Result{
		State:    next,
		Messages: []domain.OutboundMessage{domain.Reply(m.policy.Decide(f).Message)},
		Failure:  f,
	}
}

// Step applies ev to state. The input state is never modified.
func (m *Machine) Step(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) Result {
	cur := state.Clone()
	var msgs []domain.OutboundMessage

	for hop := 0; hop < len(domain.Steps()); hop++ {
		if f := m.Validate(cur); f != nil {
			res := m.ResetCorrupt(cur, f)
			res.Messages = append(msgs, res.Messages...)
			return res
		}

		out := m.handlers[cur.CurrentStep].Handle(ctx, cur.Clone(), ev)
		msgs = append(msgs, out.Messages...)

		switch out.Status {
		case StatusAdvance:
			next, f := m.advance(cur, out)
			if f != nil {
				m.log(cur, f)
				return Result{
					State:    state.Clone(),
					Messages: []domain.OutboundMessage{domain.Reply(msgRejected)},
					Failure:  f,
					Rejected: true,
				}
			}
			cur = next
			switch out.Continue {
			case ContinueWithEvent:
				continue
			case ContinueOnEntry:
				ev = entryEvent(ev)
				continue
			}
			return Result{State: cur, Messages: msgs}

		case StatusStay:
			next, f := m.patch(cur, out.Patch)
			if f != nil {
				return m.fatal(cur, f, msgs)
			}
			if out.Failure != nil {
				m.log(cur, out.Failure)
				next.LastError = out.Failure.Record(m.now())
				if len(out.Messages) == 0 {
					msgs = append(msgs, domain.Reply(m.policy.Decide(out.Failure).Message))
				}
			}
			return Result{State: next, Messages: msgs, Failure: out.Failure}

		case StatusRetry:
			next, f := m.patch(cur, out.Patch)
			if f != nil {
				return m.fatal(cur, f, msgs)
			}
			failure := out.Failure
			if failure == nil {
				failure = recovery.NewFailure(recovery.Transient, string(cur.CurrentStep), "retry requested")
			}
			next.RetryCount++
			next.LastError = failure.Record(m.now())
			if next.RetryCount > m.policy.MaxRetryCount() {
				exceeded := &recovery.Failure{Kind: recovery.Fatal, Op: failure.Op, Message: "retry bound exceeded", Err: failure}
				return m.fatal(cur, exceeded, nil)
			}
			if len(out.Messages) == 0 {
				msgs = append(msgs, domain.Reply(m.policy.Decide(failure).Message))
			}
			return Result{State: next, Messages: msgs, Failure: failure}

		case StatusReset:
			return Result{State: m.fresh(cur, nil), Messages: msgs}

		case StatusFatal:
			f := out.Failure
			if f == nil {
				f = recovery.NewFailure(recovery.Fatal, string(cur.CurrentStep), "handler reported fatal outcome")
			}
			return m.fatal(cur, f, msgs)

		default:
			return m.fatal(cur, recovery.NewFailure(recovery.Fatal, string(cur.CurrentStep),
				fmt.Sprintf("unknown outcome status %d", out.Status)), msgs)
		}
	}

	return m.fatal(cur, recovery.NewFailure(recovery.Fatal, string(cur.CurrentStep), "too many chained transitions"), msgs)
}

func (m *Machine) advance(cur domain.ConversationState, out Outcome) (domain.ConversationState, *recovery.Failure) {
	from := cur.CurrentStep
	if !m.table.Allows(from, out.Next) {
		return cur, recovery.NewFailure(recovery.Fatal, "transition",
			fmt.Sprintf("transition %s -> %s is not declared", from, out.Next))
	}
	next, f := m.patch(cur, out.Patch)
	if f != nil {
		return cur, f
	}
	if err := m.table.CheckExit(from, out.Next, next.Context); err != nil {
		return cur, recovery.Wrap(recovery.Fatal, "transition", err)
	}
	if err := m.table.CheckEntry(out.Next, next.Context); err != nil {
		return cur, recovery.Wrap(recovery.Fatal, "transition", err)
	}
	next.CurrentStep = out.Next
	next.RetryCount = 0
	next.LastError = nil
	return next, nil
}

func (m *Machine) patch(cur domain.ConversationState, patch map[string]any) (domain.ConversationState, *recovery.Failure) {
	next := cur.Clone()
	if next.Context == nil {
		next.Context = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(next.Context, k)
			continue
		}
		norm, err := Normalize(v)
		if err != nil {
			return cur, recovery.Wrap(recovery.Fatal, "patch", fmt.Errorf("key %q: %w", k, err))
		}
		next.Context[k] = norm
	}
	return next, nil
}

func (m *Machine) fatal(cur domain.ConversationState, f *recovery.Failure, msgs []domain.OutboundMessage) Result {
	m.log(cur, f)
	return Result{
		State:    m.fresh(cur, f),
		Messages: append(msgs, domain.Reply(m.policy.Decide(f).Message)),
		Failure:  f,
	}
}

// fresh returns cur reset to INITIAL, keeping identity and version.
func (m *Machine) fresh(cur domain.ConversationState, f *recovery.Failure) domain.ConversationState {
	next := cur.Clone()
	next.CurrentStep = domain.StepInitial
	next.Context = map[string]any{}
	next.RetryCount = 0
	next.LastError = f.Record(m.now())
	return next
}

func (m *Machine) log(state domain.ConversationState, f *recovery.Failure) {
	if f == nil {
		return
	}
	attrs := []any{
		"step", state.CurrentStep,
		"user_id", state.UserID,
		"session_id", state.SessionID,
		"kind", f.Kind,
		"op", f.Op,
		"err", f.Error(),
	}
	switch f.Kind {
	case recovery.UserInputError, recovery.Transient:
		m.logger.Info("step failure", attrs...)
	case recovery.DegradedService:
		m.logger.Warn("collaborator degraded", attrs...)
	default:
		m.logger.Error("conversation failure", attrs...)
	}
}

func entryEvent(ev domain.InboundEvent) domain.InboundEvent {
	return domain.InboundEvent{
		ID:          ev.ID,
		UserID:      ev.UserID,
		SessionID:   ev.SessionID,
		Kind:        domain.InputText,
		SenderPhone: ev.SenderPhone,
		Source:      ev.Source,
		ReceivedAt:  ev.ReceivedAt,
		Entry:       true,
	}
}
