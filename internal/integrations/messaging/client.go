// Package messaging delivers outbound text messages through an HTTP
// messaging gateway that fronts WhatsApp and SMS.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"billsplit-agent/internal/domain"
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type sendRequest struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Body    string `json:"body"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

// Client posts messages to the gateway. The bearer token is read from SSM on
// first use and cached once it loads successfully.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func NewClient(baseURL string, ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("messaging: base URL must not be empty")
	}
	if ps == nil {
		return nil, errors.New("messaging: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("messaging: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Deliver sends body to recipient on channel. Failures are returned as
// go-errors envelopes whose category tells the caller whether a retry can
// help.
func (c *Client) Deliver(ctx context.Context, recipient, body string, channel domain.Channel) (domain.DeliveryResult, error) {
	result := domain.DeliveryResult{Recipient: recipient, Channel: channel}
	if strings.TrimSpace(recipient) == "" {
		return result, messagingError("messaging: recipient is empty", goerrors.CategoryBadInput, http.StatusBadRequest)
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		return result, goerrors.Wrap(err, goerrors.CategoryAuth, "messaging: load token").
			WithTextCode("MESSAGING_TOKEN_UNAVAILABLE")
	}

	payload, err := json.Marshal(sendRequest{Channel: string(channel), To: recipient, Body: body})
	if err != nil {
		return result, fmt.Errorf("messaging: marshal request: %w", err)
	}
	url := c.baseURL + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return result, fmt.Errorf("messaging: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, goerrors.Wrap(err, goerrors.CategoryExternal, "messaging: send failed").
			WithTextCode("MESSAGING_UNREACHABLE")
	}
	defer func() { _ = res.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		err := statusError(res.StatusCode, strings.TrimSpace(string(raw)))
		err.WithMetadata(map[string]any{"channel": string(channel), "url": url})
		return result, err
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return result, goerrors.Wrap(err, goerrors.CategoryExternal, "messaging: decode response").
			WithCode(res.StatusCode)
	}
	if strings.EqualFold(out.Status, "rejected") || strings.EqualFold(out.Status, "failed") {
		result.Error = out.Error
		if result.Error == "" {
			result.Error = "gateway " + out.Status + " the message"
		}
		result.MessageID = out.ID
		return result, nil
	}
	result.Delivered = true
	result.MessageID = out.ID
	return result, nil
}

func statusError(code int, body string) *goerrors.Error {
	msg := fmt.Sprintf("messaging: unexpected status %d", code)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case code == http.StatusTooManyRequests:
		return messagingError(msg, goerrors.CategoryRateLimit, code)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return messagingError(msg, goerrors.CategoryAuth, code)
	case code == http.StatusBadRequest, code == http.StatusNotFound, code == http.StatusUnprocessableEntity:
		return messagingError(msg, goerrors.CategoryBadInput, code)
	default:
		return messagingError(msg, goerrors.CategoryExternal, code)
	}
}

func messagingError(message string, category goerrors.Category, code int) *goerrors.Error {
	return goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode(category))
}

func textCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput:
		return "MESSAGING_BAD_RECIPIENT"
	case goerrors.CategoryAuth:
		return "MESSAGING_UNAUTHORIZED"
	case goerrors.CategoryRateLimit:
		return "MESSAGING_RATE_LIMITED"
	default:
		return "MESSAGING_GATEWAY_FAILURE"
	}
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/messaging-token")
	if err != nil {
		return "", fmt.Errorf("messaging: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("messaging: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("messaging: token is empty")
	}
	c.token = tp.Token
	return c.token, nil
}
