// Package steps implements one handler per conversation step. Handlers reach
// the outside world only through the collaborator interfaces declared here.
package steps

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/splitter"
	"billsplit-agent/internal/workflow"
)

// Extractor turns one kind of raw input into bill data.
type Extractor interface {
	Extract(ctx context.Context, in domain.RawInput) (domain.BillData, error)
}

type Intent string

const (
	IntentConfirm Intent = "confirm"
	IntentReject  Intent = "reject"
	IntentUnclear Intent = "unclear"
)

// IntentClassifier labels a free-text reply for the given step.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, step domain.Step) (Intent, float64, error)
}

// ContactDirectory remembers participant phone numbers per organizer.
type ContactDirectory interface {
	Resolve(ctx context.Context, userID, name string) (domain.Contact, bool, error)
	Store(ctx context.Context, userID, name, phone string) (string, error)
}

// ReferenceGenerator builds the payment reference sent to a participant.
type ReferenceGenerator interface {
	GenerateReference(payeeID string, amount domain.Amount, note string) (string, error)
}

// Deliverer sends one message on one channel.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, body string, channel domain.Channel) (domain.DeliveryResult, error)
}

// PayerIndex records which conversation asked a phone number for money.
type PayerIndex interface {
	Register(ctx context.Context, link domain.PaymentLink) error
}

// Config holds the tunables the handlers read.
type Config struct {
	PayeeID         string
	Currency        string
	SplitTolerance  domain.Amount
	Remainder       splitter.RemainderPolicy
	PrimaryChannel  domain.Channel
	FallbackChannel domain.Channel
	IntentThreshold float64
}

// Deps wires the handlers to their collaborators. Intents, Contacts and
// Payers are optional; without them the handlers use their fallbacks.
type Deps struct {
	Extractors map[domain.InputKind]Extractor
	Intents    IntentClassifier
	Contacts   ContactDirectory
	References ReferenceGenerator
	Delivery   Deliverer
	Payers     PayerIndex
	Phones     *PhoneValidator
	Policy     *recovery.Policy
	Logger     *slog.Logger
	Now        func() time.Time
	Config     Config
}

type base struct {
	extractors map[domain.InputKind]Extractor
	intents    IntentClassifier
	contacts   ContactDirectory
	refs       ReferenceGenerator
	delivery   Deliverer
	payers     PayerIndex
	phones     *PhoneValidator
	policy     *recovery.Policy
	logger     *slog.Logger
	now        func() time.Time
	cfg        Config
}

// NewHandlers builds the handler for every step.
func NewHandlers(d Deps) (map[domain.Step]workflow.Handler, error) {
	if d.References == nil {
		return nil, errors.New("steps: reference generator must not be nil")
	}
	if d.Delivery == nil {
		return nil, errors.New("steps: deliverer must not be nil")
	}
	if d.Phones == nil {
		return nil, errors.New("steps: phone validator must not be nil")
	}
	if d.Policy == nil {
		return nil, errors.New("steps: recovery policy must not be nil")
	}
	b := &base{
		extractors: d.Extractors,
		intents:    d.Intents,
		contacts:   d.Contacts,
		refs:       d.References,
		delivery:   d.Delivery,
		payers:     d.Payers,
		phones:     d.Phones,
		policy:     d.Policy,
		logger:     d.Logger,
		now:        d.Now,
		cfg:        d.Config,
	}
	if b.extractors == nil {
		b.extractors = map[domain.InputKind]Extractor{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.cfg.Currency == "" {
		b.cfg.Currency = "INR"
	}
	if b.cfg.Remainder == "" {
		b.cfg.Remainder = splitter.RemainderFirst
	}
	if b.cfg.PrimaryChannel == "" {
		b.cfg.PrimaryChannel = domain.ChannelWhatsApp
	}
	if b.cfg.IntentThreshold <= 0 {
		b.cfg.IntentThreshold = 0.6
	}

	handlers := map[domain.Step]workflow.Handler{
		domain.StepInitial:              &initialHandler{b},
		domain.StepExtracting:           &extractingHandler{b},
		domain.StepConfirmingExtraction: newExtractionConfirmation(b),
		domain.StepCollectingContacts:   &contactsHandler{b},
		domain.StepCalculatingSplits:    &splitsHandler{b},
		domain.StepConfirmingSplits:     newSplitConfirmation(b),
		domain.StepSendingRequests:      &sendingHandler{b},
		domain.StepTrackingPayments:     &trackingHandler{b},
		domain.StepCompleted:            &completedHandler{},
	}
	for step, h := range handlers {
		if step.Terminal() {
			continue
		}
		handlers[step] = withCommands(step, h)
	}
	return handlers, nil
}

// logFailure records a degraded or failed collaborator call that the handler
// recovered from without surfacing an outcome failure.
func (b *base) logFailure(state domain.ConversationState, f *recovery.Failure) {
	if f == nil {
		return
	}
	b.logger.Warn("collaborator degraded",
		"step", state.CurrentStep,
		"user_id", state.UserID,
		"session_id", state.SessionID,
		"kind", f.Kind,
		"op", f.Op,
		"err", f.Error(),
	)
}

func (b *base) money(a domain.Amount, bill domain.BillData) string {
	cur := bill.Currency
	if cur == "" {
		cur = b.cfg.Currency
	}
	return domain.Money(a, cur)
}
