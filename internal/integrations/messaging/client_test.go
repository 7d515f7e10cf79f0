package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/require"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/recovery"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
	names []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	f.names = append(f.names, name)
	return f.val, f.err
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeGetter) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g := &fakeGetter{val: `{"token":"msg-token"}`}
	c, err := NewClient(srv.URL+"/", g, "/billsplit/")
	require.NoError(t, err)
	return c, g
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", &fakeGetter{}, "/billsplit")
	require.ErrorContains(t, err, "base URL")
	_, err = NewClient("http://gw", nil, "/billsplit")
	require.ErrorContains(t, err, "nil")
	_, err = NewClient("http://gw", &fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")
}

// ---------------------------------------------------------------------------
// Deliver
// ---------------------------------------------------------------------------

func TestDeliver_Success(t *testing.T) {
	var got sendRequest
	c, g := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "Bearer msg-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"wamid.1","status":"queued"}`))
	})

	res, err := c.Deliver(context.Background(), "+919876543210", "Please pay ₹450.00", domain.ChannelWhatsApp)
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, "wamid.1", res.MessageID)
	require.Equal(t, domain.ChannelWhatsApp, res.Channel)
	require.Equal(t, sendRequest{Channel: "whatsapp", To: "+919876543210", Body: "Please pay ₹450.00"}, got)

	_, err = c.Deliver(context.Background(), "+919876543210", "again", domain.ChannelSMS)
	require.NoError(t, err)
	require.Equal(t, 1, g.calls, "token is cached after the first load")
	require.Equal(t, []string{"/billsplit/messaging-token"}, g.names)
}

func TestDeliver_GatewayRejects(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"m2","status":"rejected","error":"not on WhatsApp"}`))
	})
	res, err := c.Deliver(context.Background(), "+919876543210", "hi", domain.ChannelWhatsApp)
	require.NoError(t, err)
	require.False(t, res.Delivered)
	require.Equal(t, "not on WhatsApp", res.Error)
}

func TestDeliver_StatusCategories(t *testing.T) {
	tests := []struct {
		status   int
		category goerrors.Category
		kind     recovery.Kind
	}{
		{http.StatusTooManyRequests, goerrors.CategoryRateLimit, recovery.Transient},
		{http.StatusUnauthorized, goerrors.CategoryAuth, recovery.DegradedService},
		{http.StatusUnprocessableEntity, goerrors.CategoryBadInput, recovery.UserInputError},
		{http.StatusBadGateway, goerrors.CategoryExternal, recovery.Transient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.Deliver(context.Background(), "+919876543210", "hi", domain.ChannelSMS)
			require.Error(t, err)

			var rich *goerrors.Error
			require.True(t, goerrors.As(err, &rich))
			require.Equal(t, tt.category, rich.Category)
			require.Equal(t, tt.status, rich.Code)
			require.Equal(t, tt.kind, recovery.Classify(err))
		})
	}
}

func TestDeliver_TokenFailureIsAuth(t *testing.T) {
	c, g := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request without a token")
	})
	g.err = errors.New("access denied")

	_, err := c.Deliver(context.Background(), "+919876543210", "hi", domain.ChannelWhatsApp)
	var rich *goerrors.Error
	require.True(t, goerrors.As(err, &rich))
	require.Equal(t, goerrors.CategoryAuth, rich.Category)
	require.Equal(t, recovery.DegradedService, recovery.Classify(err))

	g.err = nil
	g.val = `{"token":""}`
	_, err = c.Deliver(context.Background(), "+919876543210", "hi", domain.ChannelWhatsApp)
	require.ErrorContains(t, err, "load token")
}

func TestDeliver_EmptyRecipient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request")
	})
	_, err := c.Deliver(context.Background(), " ", "hi", domain.ChannelSMS)
	require.Equal(t, recovery.UserInputError, recovery.Classify(err))
}

func TestDeliver_CanceledContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x"}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Deliver(ctx, "+919876543210", "hi", domain.ChannelSMS)
	require.ErrorIs(t, err, context.Canceled)
}
