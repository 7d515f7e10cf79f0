package recovery

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultMaxAttempts   = 3
	defaultBaseDelay     = 200 * time.Millisecond
	defaultMaxDelay      = 5 * time.Second
	defaultCallTimeout   = 8 * time.Second
	defaultMaxRetryCount = 3
)

// Config bounds retries for collaborator calls and for the conversation as a
// whole.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	CallTimeout   time.Duration
	MaxRetryCount int
}

// Policy retries transient collaborator failures and decides how every other
// failure is surfaced.
type Policy struct {
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

type Option func(*Policy)

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPolicy(cfg Config, opts ...Option) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = defaultMaxRetryCount
	}
	p := &Policy{cfg: cfg, sleep: sleepContext, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Policy) MaxRetryCount() int { return p.cfg.MaxRetryCount }

// Backoff returns the delay after the given 1-based failed attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	return d
}

type callOptions struct {
	fallback bool
}

type CallOption func(*callOptions)

// WithFallback declares that the caller has a degraded-mode alternative, so
// an exhausted or unavailable collaborator is reported as DegradedService
// rather than Fatal.
func WithFallback() CallOption {
	return func(o *callOptions) { o.fallback = true }
}

// Do runs fn with a per-call timeout, retrying Transient failures with
// doubling backoff. It returns nil or a *Failure.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error, opts ...CallOption) error {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	var last error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &Failure{Kind: Fatal, Op: op, Message: "unit of work deadline exceeded", Err: ctx.Err()}
		}

		kind := Classify(err)
		switch kind {
		case Transient:
		case DegradedService:
			if !co.fallback {
				kind = Fatal
			}
			return &Failure{Kind: kind, Op: op, Err: err}
		default:
			return &Failure{Kind: kind, Op: op, Err: err}
		}

		last = err
		if attempt == p.cfg.MaxAttempts {
			break
		}
		delay := p.Backoff(attempt)
		p.logger.Warn("collaborator call failed, retrying",
			"op", op, "attempt", attempt, "delay", delay, "err", err)
		if serr := p.sleep(ctx, delay); serr != nil {
			return &Failure{Kind: Fatal, Op: op, Message: "unit of work deadline exceeded", Err: serr}
		}
	}

	if co.fallback {
		return &Failure{Kind: DegradedService, Op: op, Message: "retries exhausted", Err: last}
	}
	return &Failure{Kind: Fatal, Op: op, Message: "retries exhausted", Err: last}
}

// Action is what the engine does with a classified failure.
type Action string

const (
	ActionCorrect  Action = "correct"
	ActionRetry    Action = "retry"
	ActionFallback Action = "fallback"
	ActionReset    Action = "reset"
)

// Decision pairs an action with the plain-language message shown to the user.
type Decision struct {
	Action  Action
	Message string
}

const (
	msgTransient = "I'm having a temporary problem processing that. Please send it again."
	msgDegraded  = "Some features are temporarily limited, but we can keep going."
	msgCorrupt   = "Something went wrong with this conversation, so I've restarted it. Send your bill details to begin again."
	msgFatal     = "Sorry, something went wrong on our side and I had to start over. Please send your bill again."
	msgVoice     = "I couldn't process your voice message. Please type your bill information instead."
	msgImage     = "I had trouble reading your bill image. Please type the total amount and who to split it with."
	msgDelivery  = "I couldn't reach some people on WhatsApp, so I tried SMS instead."
	msgStorage   = "I'm having trouble saving your progress right now. Please try again in a moment."
)

// Decide maps a failure onto the action and message the engine applies.
func (p *Policy) Decide(f *Failure) Decision {
	if f == nil {
		return Decision{}
	}
	switch f.Kind {
	case UserInputError:
		return Decision{Action: ActionCorrect, Message: f.Message}
	case Transient:
		return Decision{Action: ActionRetry, Message: msgTransient}
	case DegradedService:
		return Decision{Action: ActionFallback, Message: degradedMessage(f.Op)}
	case Corrupt:
		return Decision{Action: ActionReset, Message: msgCorrupt}
	default:
		return Decision{Action: ActionReset, Message: msgFatal}
	}
}

// StorageMessage is shown when the state store cannot be reached; the
// conversation is left untouched.
func StorageMessage() string { return msgStorage }

func degradedMessage(op string) string {
	switch {
	case strings.HasSuffix(op, ".voice"):
		return msgVoice
	case strings.HasSuffix(op, ".image"):
		return msgImage
	case strings.HasPrefix(op, "deliver"):
		return msgDelivery
	default:
		return msgDegraded
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
