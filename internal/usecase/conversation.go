package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/steps"
	"billsplit-agent/internal/workflow"
)

const (
	defaultSessionID       = "default"
	defaultTTL             = 24 * time.Hour
	defaultUnitDeadline    = 25 * time.Second
	defaultConflictRetries = 3

	msgTimeout        = "That took longer than expected and nothing was changed. Please send it again."
	msgNoOpenRequest  = "I couldn't find an open payment request for this number."
	msgAlreadySettled = "Thanks! This bill is already settled."
)

// StateStore persists one versioned record per conversation.
type StateStore interface {
	Load(ctx context.Context, key domain.ConversationKey) (domain.ConversationState, error)
	Save(ctx context.Context, state domain.ConversationState, expected int64) (domain.ConversationState, error)
	Archive(ctx context.Context, state domain.ConversationState) error
}

// Locker serializes units of work for the same conversation.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// PayerLookup finds the conversation that last asked a phone number for money.
type PayerLookup interface {
	Lookup(ctx context.Context, phone string) (domain.PaymentLink, bool, error)
}

type PhoneNormalizer interface {
	Normalize(raw string) (string, bool)
}

// Stepper applies one event to a conversation.
type Stepper interface {
	Step(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) workflow.Result
}

type Config struct {
	TTL             time.Duration
	UnitDeadline    time.Duration
	ConflictRetries int
}

type Option func(*ConversationService)

func WithLogger(l *slog.Logger) Option {
	return func(s *ConversationService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ConversationService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPayers enables routing of payment confirmations sent by participants
// to the conversation that requested the payment.
func WithPayers(p PayerLookup, phones PhoneNormalizer) Option {
	return func(s *ConversationService) {
		s.payers = p
		s.phones = phones
	}
}

// ConversationService runs one unit of work per inbound event: lock, load,
// step, save.
type ConversationService struct {
	store   StateStore
	locks   Locker
	machine Stepper
	payers  PayerLookup
	phones  PhoneNormalizer
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// Output is what the caller delivers after a unit of work. Every message has
// a resolved recipient.
type Output struct {
	Key       domain.ConversationKey
	Step      domain.Step
	Version   int64
	Messages  []domain.OutboundMessage
	Duplicate bool
}

func NewConversationService(store StateStore, locks Locker, machine Stepper, cfg Config, opts ...Option) (*ConversationService, error) {
	if store == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if locks == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if machine == nil {
		return nil, errors.New("usecase: state machine must not be nil")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.UnitDeadline <= 0 {
		cfg.UnitDeadline = defaultUnitDeadline
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	s := &ConversationService{
		store:   store,
		locks:   locks,
		machine: machine,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handle processes ev. On error the returned Output still holds the message
// to send back, and the conversation is left as it was.
func (s *ConversationService) Handle(ctx context.Context, ev domain.InboundEvent) (Output, error) {
	ev, err := s.normalize(ev)
	if err != nil {
		return Output{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.UnitDeadline)
	defer cancel()

	ev, out, routed, err := s.route(ctx, ev)
	if err != nil || !routed {
		return out, err
	}
	replyTo := replyAddress(ev)

	for attempt := 1; ; attempt++ {
		res, uerr := s.unit(ctx, ev, replyTo)
		if !errors.Is(uerr, domain.ErrVersionConflict) {
			return res, uerr
		}
		if attempt > s.cfg.ConflictRetries {
			s.logger.Error("version conflict retries exhausted",
				"user_id", ev.UserID, "session_id", ev.SessionID, "attempts", attempt, "err", uerr)
			return s.failed(ev, replyTo, newError(ErrorConflict, "version_conflict", uerr), recovery.StorageMessage())
		}
		s.logger.Warn("version conflict, retrying from a fresh read",
			"user_id", ev.UserID, "session_id", ev.SessionID, "attempt", attempt)
	}
}

func (s *ConversationService) normalize(ev domain.InboundEvent) (domain.InboundEvent, error) {
	ev.UserID = strings.TrimSpace(ev.UserID)
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	if ev.Source == "" {
		ev.Source = domain.SourceUser
	}
	if ev.Kind == "" {
		ev.Kind = domain.InputText
	}
	if !ev.Kind.Valid() {
		return ev, newError(ErrorInvalidInput, "unknown_input_kind", nil)
	}
	switch ev.Source {
	case domain.SourceUser:
		if ev.UserID == "" {
			return ev, newError(ErrorInvalidInput, "missing_user_id", nil)
		}
	case domain.SourcePayment:
		if strings.TrimSpace(ev.SenderPhone) == "" && ev.UserID == "" {
			return ev, newError(ErrorInvalidInput, "missing_sender", nil)
		}
	default:
		return ev, newError(ErrorInvalidInput, "unknown_source", nil)
	}
	if ev.SessionID == "" {
		ev.SessionID = defaultSessionID
	}
	return ev, nil
}

// route decides which conversation ev belongs to. Payment confirmations are
// sent to the conversation that requested the payment; so are "paid" texts
// from someone without an active conversation of their own.
func (s *ConversationService) route(ctx context.Context, ev domain.InboundEvent) (domain.InboundEvent, Output, bool, error) {
	switch {
	case ev.Source == domain.SourcePayment:
	case ev.Kind == domain.InputText && steps.IsPaymentConfirmation(ev.Text) && s.payers != nil:
		active, err := s.hasActiveConversation(ctx, ev.Key())
		if err != nil {
			out, ferr := s.storageFailure(ev, replyAddress(ev), err)
			return ev, out, false, ferr
		}
		if active {
			return ev, Output{}, true, nil
		}
		if ev.SenderPhone == "" {
			ev.SenderPhone = ev.UserID
		}
		link, found, err := s.lookupPayer(ctx, ev.SenderPhone)
		if err != nil {
			out, ferr := s.storageFailure(ev, replyAddress(ev), err)
			return ev, out, false, ferr
		}
		if !found {
			return ev, Output{}, true, nil
		}
		return asPayment(ev, link), Output{}, true, nil
	default:
		return ev, Output{}, true, nil
	}

	if ev.SenderPhone == "" {
		ev.SenderPhone = ev.UserID
	}
	if s.payers == nil {
		return ev, Output{}, true, nil
	}
	link, found, err := s.lookupPayer(ctx, ev.SenderPhone)
	if err != nil {
		out, ferr := s.storageFailure(ev, replyAddress(ev), err)
		return ev, out, false, ferr
	}
	if !found {
		out := Output{Messages: []domain.OutboundMessage{{Recipient: replyAddress(ev), Body: msgNoOpenRequest}}}
		return ev, out, false, nil
	}
	return asPayment(ev, link), Output{}, true, nil
}

func asPayment(ev domain.InboundEvent, link domain.PaymentLink) domain.InboundEvent {
	ev.Source = domain.SourcePayment
	ev.UserID = link.Key.UserID
	ev.SessionID = link.Key.SessionID
	return ev
}

func (s *ConversationService) lookupPayer(ctx context.Context, phone string) (domain.PaymentLink, bool, error) {
	if s.phones != nil {
		if normalized, ok := s.phones.Normalize(phone); ok {
			phone = normalized
		}
	}
	return s.payers.Lookup(ctx, phone)
}

func (s *ConversationService) hasActiveConversation(ctx context.Context, key domain.ConversationKey) (bool, error) {
	if key.SessionID == "" {
		key.SessionID = defaultSessionID
	}
	state, err := s.store.Load(ctx, key)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrCorruptRecord) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if state.Expired(s.now()) {
		return false, nil
	}
	return state.CurrentStep != domain.StepInitial && !state.CurrentStep.Terminal(), nil
}

// unit runs one attempt under the conversation lock. A version conflict is
// returned as is so the caller can start over from a fresh read.
func (s *ConversationService) unit(ctx context.Context, ev domain.InboundEvent, replyTo string) (Output, error) {
	key := ev.Key()
	release, err := s.locks.Acquire(ctx, key.String())
	if err != nil {
		if ctx.Err() != nil {
			return s.failed(ev, replyTo, newError(ErrorTimeout, "lock_wait", err), msgTimeout)
		}
		return s.failed(ev, replyTo, newError(ErrorStorage, "lock_error", err), recovery.StorageMessage())
	}
	defer release()

	now := s.now()
	current, expected, err := s.load(ctx, key, now)
	if err != nil {
		return s.storageFailure(ev, replyTo, err)
	}

	fingerprint := ev.Fingerprint()
	if expected > 0 && current.LastEventID == fingerprint {
		s.logger.Info("duplicate event, replaying previous response",
			"user_id", key.UserID, "session_id", key.SessionID, "step", current.CurrentStep, "version", current.Version)
		return Output{
			Key:       key,
			Step:      current.CurrentStep,
			Version:   current.Version,
			Messages:  append([]domain.OutboundMessage(nil), current.LastOutbound...),
			Duplicate: true,
		}, nil
	}

	if ev.Source == domain.SourcePayment && current.CurrentStep != domain.StepTrackingPayments {
		body := msgNoOpenRequest
		if current.CurrentStep.Terminal() {
			body = msgAlreadySettled
		}
		return Output{
			Key:      key,
			Step:     current.CurrentStep,
			Version:  current.Version,
			Messages: []domain.OutboundMessage{{Recipient: replyTo, Body: body}},
		}, nil
	}

	if current.CurrentStep.Terminal() {
		if err := s.store.Archive(ctx, current); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				return Output{}, err
			}
			return s.storageFailure(ev, replyTo, err)
		}
		s.logger.Info("conversation archived", "user_id", key.UserID, "session_id", key.SessionID, "version", current.Version)
		current = domain.NewConversation(key, now, s.cfg.TTL)
		expected = 0
	}

	res := s.machine.Step(ctx, current, ev)
	if err := ctx.Err(); err != nil {
		s.logger.Error("unit of work deadline exceeded, state left unchanged",
			"user_id", key.UserID, "session_id", key.SessionID, "step", current.CurrentStep, "kind", recovery.Fatal, "err", err)
		return s.failed(ev, replyTo, newError(ErrorTimeout, "unit_deadline", err), msgTimeout)
	}

	msgs := resolveRecipients(res.Messages, replyTo)
	if res.Rejected {
		return Output{Key: key, Step: current.CurrentStep, Version: current.Version, Messages: msgs}, nil
	}

	next := res.State
	next.LastEventID = fingerprint
	next.LastOutbound = msgs
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(s.cfg.TTL)
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}

	saved, err := s.store.Save(ctx, next, expected)
	if errors.Is(err, domain.ErrVersionConflict) {
		return Output{}, err
	}
	if err != nil {
		return s.storageFailure(ev, replyTo, err)
	}

	if saved.CurrentStep != current.CurrentStep {
		s.logger.Info("conversation advanced",
			"user_id", key.UserID, "session_id", key.SessionID,
			"from", current.CurrentStep, "to", saved.CurrentStep, "version", saved.Version)
	}
	return Output{Key: key, Step: saved.CurrentStep, Version: saved.Version, Messages: msgs}, nil
}

// load returns the conversation to apply the event to and the version the
// save must expect. A missing or expired record yields a fresh INITIAL one.
func (s *ConversationService) load(ctx context.Context, key domain.ConversationKey, now time.Time) (domain.ConversationState, int64, error) {
	state, err := s.store.Load(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewConversation(key, now, s.cfg.TTL), 0, nil
	}
	if errors.Is(err, domain.ErrCorruptRecord) && state.Version > 0 {
		s.logger.Warn("unreadable conversation record, starting over",
			"user_id", key.UserID, "session_id", key.SessionID, "version", state.Version,
			"kind", recovery.Corrupt, "err", err)
		return domain.NewConversation(key, now, s.cfg.TTL), state.Version, nil
	}
	if err != nil {
		return domain.ConversationState{}, 0, err
	}
	if state.Expired(now) {
		s.logger.Info("conversation expired, starting over",
			"user_id", key.UserID, "session_id", key.SessionID, "step", state.CurrentStep, "expired_at", state.ExpiresAt)
		fresh := domain.NewConversation(key, now, s.cfg.TTL)
		return fresh, state.Version, nil
	}
	return state, state.Version, nil
}

func (s *ConversationService) storageFailure(ev domain.InboundEvent, replyTo string, err error) (Output, error) {
	s.logger.Error("state store unavailable",
		"user_id", ev.UserID, "session_id", ev.SessionID, "kind", recovery.DegradedService, "err", err)
	return s.failed(ev, replyTo, newError(ErrorStorage, "state_store", err), recovery.StorageMessage())
}

func (s *ConversationService) failed(ev domain.InboundEvent, replyTo string, err *Error, body string) (Output, error) {
	return Output{
		Key:      ev.Key(),
		Messages: []domain.OutboundMessage{{Recipient: replyTo, Body: body}},
	}, err
}

func replyAddress(ev domain.InboundEvent) string {
	if ev.Source == domain.SourcePayment && ev.SenderPhone != "" {
		return ev.SenderPhone
	}
	return ev.UserID
}

func resolveRecipients(msgs []domain.OutboundMessage, replyTo string) []domain.OutboundMessage {
	out := make([]domain.OutboundMessage, len(msgs))
	for i, m := range msgs {
		if m.Recipient == "" {
			m.Recipient = replyTo
		}
		out[i] = m
	}
	return out
}
