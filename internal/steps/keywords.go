package steps

import (
	"context"
	"strings"
	"unicode"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/workflow"
)

var (
	confirmWords = wordSet("yes", "y", "yeah", "yep", "yup", "ok", "okay", "confirm", "confirmed",
		"correct", "sure", "proceed", "send", "right", "haan")
	confirmPhrases = []string{"looks good", "go ahead", "sounds good", "that's right", "all good", "✅", "👍"}

	rejectWords = wordSet("no", "n", "nope", "nah", "wrong", "incorrect", "change", "modify",
		"adjust", "recalculate", "redo", "back", "edit", "fix", "nahi")
	rejectPhrases = []string{"not right", "❌", "👎"}

	paymentWords   = wordSet("done", "paid", "complete", "completed", "finished", "confirmed", "sent", "transferred")
	paymentPhrases = []string{"✅", "💰", "payment made", "have paid", "i paid"}

	equalWords = wordSet("equal", "equally", "evenly", "even", "same", "split", "divide", "halves")

	resetPhrases = []string{"reset", "restart", "start over", "cancel", "new bill"}
	helpPhrases  = []string{"help", "?", "menu"}
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func matches(text string, words map[string]bool, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, tok := range tokens(text) {
		if words[tok] {
			return true
		}
	}
	return false
}

// KeywordIntent classifies a reply without any external service. Replies
// carrying both confirm and reject words are unclear.
func KeywordIntent(text string) Intent {
	yes := matches(text, confirmWords, confirmPhrases)
	no := matches(text, rejectWords, rejectPhrases)
	switch {
	case yes && !no:
		return IntentConfirm
	case no && !yes:
		return IntentReject
	default:
		return IntentUnclear
	}
}

// IsPaymentConfirmation reports whether text reads as "I have paid".
func IsPaymentConfirmation(text string) bool {
	return matches(text, paymentWords, paymentPhrases)
}

func wantsEqualSplit(text string) bool {
	return matches(text, equalWords, []string{"50/50", "50-50"})
}

type command int

const (
	commandNone command = iota
	commandReset
	commandHelp
)

func parseCommand(text string) command {
	norm := strings.Join(tokens(text), " ")
	if strings.TrimSpace(text) == "?" {
		return commandHelp
	}
	for _, p := range resetPhrases {
		if norm == p {
			return commandReset
		}
	}
	for _, p := range helpPhrases {
		if norm == p {
			return commandHelp
		}
	}
	return commandNone
}

// withCommands answers the global reset and help commands before the step
// handler sees the event.
func withCommands(step domain.Step, inner workflow.Handler) workflow.Handler {
	return workflow.HandlerFunc(func(ctx context.Context, state domain.ConversationState, ev domain.InboundEvent) workflow.Outcome {
		if ev.Entry || ev.Source == domain.SourcePayment || ev.Kind != domain.InputText {
			return inner.Handle(ctx, state, ev)
		}
		switch parseCommand(ev.Text) {
		case commandReset:
			return workflow.Reset(domain.Reply(msgReset))
		case commandHelp:
			return workflow.Stay(domain.Reply(helpText(step)))
		}
		return inner.Handle(ctx, state, ev)
	})
}

// intent classifies a reply with the intent collaborator and falls back to
// keywords when it is missing, degraded or unsure. The returned failure is
// non-nil when the fallback was forced by a failing collaborator.
func (b *base) intent(ctx context.Context, text string, step domain.Step) (Intent, *recovery.Failure) {
	if b.intents == nil {
		return KeywordIntent(text), nil
	}
	var (
		label Intent
		conf  float64
	)
	err := b.policy.Do(ctx, "intent", func(ctx context.Context) error {
		var err error
		label, conf, err = b.intents.Classify(ctx, text, step)
		return err
	}, recovery.WithFallback())
	if err != nil {
		f := recovery.AsFailure("intent", err)
		if f.Kind == recovery.Fatal {
			return IntentUnclear, f
		}
		return KeywordIntent(text), &recovery.Failure{Kind: recovery.DegradedService, Op: "intent", Err: f}
	}
	if label == IntentUnclear || conf < b.cfg.IntentThreshold {
		return KeywordIntent(text), nil
	}
	return label, nil
}
