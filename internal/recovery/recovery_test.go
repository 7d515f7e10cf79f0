package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/require"

	"billsplit-agent/internal/domain"
)

type statusErr int

func (s statusErr) Error() string       { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

// ---------------------------------------------------------------------------
// Classify
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Transient},
		{"canceled", context.Canceled, Fatal},
		{"version conflict", domain.ErrVersionConflict, Transient},
		{"corrupt record", fmt.Errorf("load: %w", domain.ErrCorruptRecord), Corrupt},
		{"unavailable", ErrUnavailable, DegradedService},
		{"bad amount", domain.ErrInvalidAmount, UserInputError},
		{"net timeout", timeoutErr{}, Transient},
		{"429", statusErr(http.StatusTooManyRequests), Transient},
		{"503", fmt.Errorf("wrapped: %w", statusErr(http.StatusServiceUnavailable)), Transient},
		{"401", statusErr(http.StatusUnauthorized), DegradedService},
		{"422", statusErr(http.StatusUnprocessableEntity), UserInputError},
		{"rate limit category", goerrors.New("slow down", goerrors.CategoryRateLimit), Transient},
		{"external 502", goerrors.New("bad gateway", goerrors.CategoryExternal).WithCode(http.StatusBadGateway), Transient},
		{"external 403", goerrors.New("forbidden", goerrors.CategoryExternal).WithCode(http.StatusForbidden), DegradedService},
		{"validation", goerrors.New("bad phone", goerrors.CategoryValidation), UserInputError},
		{"auth", goerrors.New("no token", goerrors.CategoryAuth), DegradedService},
		{"internal", goerrors.New("bug", goerrors.CategoryInternal), Fatal},
		{"failure passthrough", NewFailure(Corrupt, "load", "bad context"), Corrupt},
		{"unknown", errors.New("boom"), Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestFailureRecord(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rec := Wrap(Transient, "extract.text", errors.New("timeout")).Record(now)
	require.Equal(t, "Transient", rec.Kind)
	require.Equal(t, "extract.text: timeout", rec.Message)
	require.Equal(t, now, rec.At)

	var nilFailure *Failure
	require.Nil(t, nilFailure.Record(now))
}

// ---------------------------------------------------------------------------
// Policy.Do
// ---------------------------------------------------------------------------

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestPolicy(rec *sleepRecorder) *Policy {
	return NewPolicy(Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, CallTimeout: time.Second}, WithSleep(rec.sleep))
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	rec := &sleepRecorder{}
	p := newTestPolicy(rec)
	calls := 0
	err := p.Do(context.Background(), "extract.text", func(context.Context) error {
		calls++
		if calls < 3 {
			return statusErr(http.StatusServiceUnavailable)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.delays)
}

func TestDo_ExhaustedWithFallbackIsDegraded(t *testing.T) {
	rec := &sleepRecorder{}
	p := newTestPolicy(rec)
	calls := 0
	err := p.Do(context.Background(), "intent", func(context.Context) error {
		calls++
		return timeoutErr{}
	}, WithFallback())

	var f *Failure
	require.True(t, errors.As(err, &f))
	require.Equal(t, DegradedService, f.Kind)
	require.Equal(t, 3, calls)
	require.Len(t, rec.delays, 2)
}

func TestDo_ExhaustedWithoutFallbackIsFatal(t *testing.T) {
	p := newTestPolicy(&sleepRecorder{})
	err := p.Do(context.Background(), "store.load", func(context.Context) error {
		return statusErr(http.StatusTooManyRequests)
	})
	require.Equal(t, Fatal, Classify(err))
}

func TestDo_NonTransientReturnsImmediately(t *testing.T) {
	p := newTestPolicy(&sleepRecorder{})
	calls := 0
	err := p.Do(context.Background(), "extract.image", func(context.Context) error {
		calls++
		return statusErr(http.StatusUnprocessableEntity)
	}, WithFallback())
	require.Equal(t, UserInputError, Classify(err))
	require.Equal(t, 1, calls)
}

func TestDo_UnavailableWithoutFallbackIsFatal(t *testing.T) {
	p := newTestPolicy(&sleepRecorder{})
	err := p.Do(context.Background(), "contacts.resolve", func(context.Context) error {
		return ErrUnavailable
	})
	require.Equal(t, Fatal, Classify(err))
}

func TestDo_CallTimeoutIsTransient(t *testing.T) {
	rec := &sleepRecorder{}
	p := NewPolicy(Config{MaxAttempts: 2, BaseDelay: time.Millisecond, CallTimeout: 5 * time.Millisecond}, WithSleep(rec.sleep))
	calls := 0
	err := p.Do(context.Background(), "deliver.whatsapp", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	}, WithFallback())
	require.Equal(t, DegradedService, Classify(err))
	require.Equal(t, 2, calls)
}

func TestDo_UnitDeadlineIsFatal(t *testing.T) {
	p := newTestPolicy(&sleepRecorder{})
	ctx, cancel := context.WithCancel(context.Background())
	err := p.Do(ctx, "extract.text", func(context.Context) error {
		cancel()
		return statusErr(http.StatusServiceUnavailable)
	}, WithFallback())
	require.Equal(t, Fatal, Classify(err))
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond})
	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 350*time.Millisecond, p.Backoff(3))
	require.Equal(t, 350*time.Millisecond, p.Backoff(10))
}

// ---------------------------------------------------------------------------
// Policy.Decide
// ---------------------------------------------------------------------------

func TestDecide(t *testing.T) {
	p := NewPolicy(Config{})
	require.Equal(t, ActionCorrect, p.Decide(NewFailure(UserInputError, "contacts", "bad phone")).Action)
	require.Equal(t, ActionRetry, p.Decide(NewFailure(Transient, "x", "")).Action)
	require.Equal(t, ActionReset, p.Decide(NewFailure(Corrupt, "x", "")).Action)
	require.Equal(t, ActionReset, p.Decide(NewFailure(Fatal, "x", "")).Action)

	voice := p.Decide(NewFailure(DegradedService, "extract.voice", ""))
	require.Equal(t, ActionFallback, voice.Action)
	require.Contains(t, voice.Message, "voice message")
	require.Equal(t, Decision{}, p.Decide(nil))
}
