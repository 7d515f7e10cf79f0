// Package config loads the engine policy: an embedded default, an optional
// YAML file and an optional SSM overlay, applied in that order.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
	"billsplit-agent/internal/splitter"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

type Backoff struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

type Split struct {
	Tolerance string `yaml:"tolerance"`
	Remainder string `yaml:"remainder"`
}

type PhoneFormat struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type Phone struct {
	CountryCode string        `yaml:"country_code"`
	Formats     []PhoneFormat `yaml:"formats"`
}

type Delivery struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

type Payee struct {
	VPA  string `yaml:"vpa"`
	Name string `yaml:"name"`
}

type Lock struct {
	Lease time.Duration `yaml:"lease"`
	Poll  time.Duration `yaml:"poll"`
}

// Policy is every tunable of the conversation engine.
type Policy struct {
	ConversationTTL        time.Duration `yaml:"conversation_ttl"`
	UnitDeadline           time.Duration `yaml:"unit_deadline"`
	MaxRetryCount          int           `yaml:"max_retry_count"`
	VersionConflictRetries int           `yaml:"version_conflict_retries"`
	Backoff                Backoff       `yaml:"backoff"`
	Currency               string        `yaml:"currency"`
	IntentThreshold        float64       `yaml:"intent_threshold"`
	Split                  Split         `yaml:"split"`
	Phone                  Phone         `yaml:"phone"`
	Delivery               Delivery      `yaml:"delivery"`
	Payee                  Payee         `yaml:"payee"`
	Lock                   Lock          `yaml:"lock"`
}

// ParamLookup reads an optional parameter.
type ParamLookup interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
}

// Source names the overlays Load applies on top of the embedded default.
type Source struct {
	FS        afero.Fs
	File      string
	Params    ParamLookup
	ParamName string
}

// Default returns the embedded policy.
func Default() (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(defaultPolicy, &p); err != nil {
		return Policy{}, fmt.Errorf("config: parse default policy: %w", err)
	}
	return p, nil
}

// Load applies the configured overlays and validates the result. Overlays
// only replace the fields they set; lists are replaced whole.
func Load(ctx context.Context, src Source) (Policy, error) {
	p, err := Default()
	if err != nil {
		return Policy{}, err
	}

	if file := strings.TrimSpace(src.File); file != "" {
		fs := src.FS
		if fs == nil {
			fs = afero.NewOsFs()
		}
		raw, err := afero.ReadFile(fs, file)
		if err != nil {
			return Policy{}, fmt.Errorf("config: read policy file %q: %w", file, err)
		}
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Policy{}, fmt.Errorf("config: parse policy file %q: %w", file, err)
		}
	}

	if src.Params != nil && strings.TrimSpace(src.ParamName) != "" {
		raw, ok, err := src.Params.Lookup(ctx, src.ParamName)
		if err != nil {
			return Policy{}, fmt.Errorf("config: load policy parameter: %w", err)
		}
		if ok {
			if err := yaml.Unmarshal([]byte(raw), &p); err != nil {
				return Policy{}, fmt.Errorf("config: parse policy parameter: %w", err)
			}
		}
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

var vpaPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+$`)

// Validate rejects a policy the engine cannot run with.
func (p Policy) Validate() error {
	var errs []error
	if p.ConversationTTL <= 0 {
		errs = append(errs, errors.New("conversation_ttl must be positive"))
	}
	if p.UnitDeadline <= 0 {
		errs = append(errs, errors.New("unit_deadline must be positive"))
	}
	if p.MaxRetryCount <= 0 {
		errs = append(errs, errors.New("max_retry_count must be positive"))
	}
	if p.Backoff.CallTimeout > p.UnitDeadline {
		errs = append(errs, errors.New("backoff.call_timeout must not exceed unit_deadline"))
	}
	if p.IntentThreshold < 0 || p.IntentThreshold > 1 {
		errs = append(errs, errors.New("intent_threshold must be between 0 and 1"))
	}
	if _, err := p.Tolerance(); err != nil {
		errs = append(errs, err)
	}
	if _, err := splitter.ParseRemainderPolicy(p.Split.Remainder); err != nil {
		errs = append(errs, err)
	}
	if len(p.Phone.Formats) == 0 {
		errs = append(errs, errors.New("phone.formats must not be empty"))
	}
	for _, f := range p.Phone.Formats {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("phone format %q: %w", f.Name, err))
		}
	}
	for _, ch := range []string{p.Delivery.Primary, p.Delivery.Fallback} {
		switch domain.Channel(ch) {
		case domain.ChannelWhatsApp, domain.ChannelSMS:
		case "":
			if ch == p.Delivery.Primary {
				errs = append(errs, errors.New("delivery.primary is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown delivery channel %q", ch))
		}
	}
	if strings.TrimSpace(p.Payee.VPA) == "" {
		errs = append(errs, errors.New("payee.vpa is required"))
	} else if !vpaPattern.MatchString(p.Payee.VPA) {
		errs = append(errs, fmt.Errorf("payee.vpa %q is not a valid UPI address", p.Payee.VPA))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid policy: %w", errors.Join(errs...))
	}
	return nil
}

// Tolerance is the split tolerance in minor units of the policy currency.
func (p Policy) Tolerance() (domain.Amount, error) {
	if strings.TrimSpace(p.Split.Tolerance) == "" {
		return 0, nil
	}
	amt, err := domain.ParseAmount(p.Split.Tolerance, domain.CurrencyExponent(p.Currency))
	if err != nil {
		return 0, fmt.Errorf("split.tolerance: %w", err)
	}
	return amt, nil
}

// Recovery returns the retry bounds for collaborator calls.
func (p Policy) Recovery() recovery.Config {
	return recovery.Config{
		MaxAttempts:   p.Backoff.MaxAttempts,
		BaseDelay:     p.Backoff.BaseDelay,
		MaxDelay:      p.Backoff.MaxDelay,
		CallTimeout:   p.Backoff.CallTimeout,
		MaxRetryCount: p.MaxRetryCount,
	}
}
