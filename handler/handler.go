// Package handler adapts API Gateway webhook requests from the messaging
// provider to the conversation service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"billsplit-agent/internal/domain"
	"billsplit-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

const (
	eventMessage             = "message"
	eventPaymentConfirmation = "payment_confirmation"
)

type Conversations interface {
	Handle(ctx context.Context, ev domain.InboundEvent) (usecase.Output, error)
}

// Deliverer sends the replies produced for an event.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, body string, channel domain.Channel) (domain.DeliveryResult, error)
}

// webhookRequest is the provider payload for one inbound event.
type webhookRequest struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl"`
	MediaType string `json:"mediaType"`
	Reference string `json:"reference"`
	Timestamp string `json:"timestamp"`
}

type conversationInfo struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Step      string `json:"step,omitempty"`
	Version   int64  `json:"version,omitempty"`
}

type messageResponse struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
	Delivered bool   `json:"delivered"`
}

type webhookResponse struct {
	Conversation conversationInfo  `json:"conversation"`
	Duplicate    bool              `json:"duplicate,omitempty"`
	Messages     []messageResponse `json:"messages"`
}

type errorResponse struct {
	Error    string            `json:"error"`
	Messages []messageResponse `json:"messages,omitempty"`
}

type Handler struct {
	conversations Conversations
	delivery      Deliverer
	channel       domain.Channel
	logger        *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithReplyChannel sets the channel replies go out on.
func WithReplyChannel(ch domain.Channel) Option {
	return func(h *Handler) {
		if ch != "" {
			h.channel = ch
		}
	}
}

// NewHandler builds the webhook handler. A nil deliverer leaves sending the
// replies to the caller, which reads them from the response body.
func NewHandler(conversations Conversations, delivery Deliverer, opts ...Option) (*Handler, error) {
	if conversations == nil {
		return nil, errors.New("handler: conversation service must not be nil")
	}
	h := &Handler{
		conversations: conversations,
		delivery:      delivery,
		channel:       domain.ChannelWhatsApp,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	var in webhookRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		logger.Warn("invalid webhook body", "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}
	ev, err := toEvent(in)
	if err != nil {
		logger.Warn("invalid webhook event", "type", in.Type, "err", err)
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput)}), nil
	}

	out, err := h.conversations.Handle(ctx, ev)
	sent := h.deliver(ctx, logger, out.Messages)
	if err != nil {
		status, code := mapError(err)
		logger.Error("event not applied", "status", status, "code", code, "user_id", ev.UserID, "err", err)
		return jsonResponse(status, correlationID, errorResponse{Error: code, Messages: sent}), nil
	}

	logger.Info("event applied",
		"user_id", out.Key.UserID, "session_id", out.Key.SessionID,
		"step", out.Step, "version", out.Version, "duplicate", out.Duplicate, "messages", len(sent))
	return jsonResponse(http.StatusOK, correlationID, webhookResponse{
		Conversation: conversationInfo{
			UserID:    out.Key.UserID,
			SessionID: out.Key.SessionID,
			Step:      string(out.Step),
			Version:   out.Version,
		},
		Duplicate: out.Duplicate,
		Messages:  sent,
	}), nil
}

func toEvent(in webhookRequest) (domain.InboundEvent, error) {
	from := strings.TrimSpace(in.From)
	if from == "" {
		return domain.InboundEvent{}, errors.New("from is required")
	}
	ev := domain.InboundEvent{
		ID:          strings.TrimSpace(in.MessageID),
		SessionID:   strings.TrimSpace(in.SessionID),
		Kind:        domain.InputKind(strings.ToLower(strings.TrimSpace(in.Kind))),
		Text:        in.Text,
		MediaURL:    strings.TrimSpace(in.MediaURL),
		MediaType:   strings.TrimSpace(in.MediaType),
		SenderPhone: from,
		Reference:   strings.TrimSpace(in.Reference),
	}
	if ev.Kind == "" {
		ev.Kind = domain.InputText
	}
	if !ev.Kind.Valid() {
		return domain.InboundEvent{}, errors.New("unknown kind " + in.Kind)
	}
	if ts := strings.TrimSpace(in.Timestamp); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return domain.InboundEvent{}, errors.New("timestamp must be RFC 3339")
		}
		ev.ReceivedAt = t
	}

	switch strings.TrimSpace(in.Type) {
	case "", eventMessage:
		ev.UserID = from
		ev.Source = domain.SourceUser
	case eventPaymentConfirmation:
		ev.Source = domain.SourcePayment
	default:
		return domain.InboundEvent{}, errors.New("unknown event type " + in.Type)
	}
	return ev, nil
}

// deliver sends msgs in order. Delivery failures are logged and reported in
// the response; they never fail the request since the state is already saved.
func (h *Handler) deliver(ctx context.Context, logger *slog.Logger, msgs []domain.OutboundMessage) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		r := messageResponse{Recipient: m.Recipient, Body: m.Body}
		if h.delivery != nil && m.Recipient != "" {
			res, err := h.delivery.Deliver(ctx, m.Recipient, m.Body, h.channel)
			if err != nil {
				logger.Warn("reply delivery failed", "recipient", m.Recipient, "channel", h.channel, "err", err)
			}
			r.Delivered = err == nil && res.Delivered
		}
		out = append(out, r)
	}
	return out
}

func mapError(err error) (int, string) {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
	switch uerr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(uerr.Code)
	case usecase.ErrorConflict:
		return http.StatusConflict, string(uerr.Code)
	case usecase.ErrorStorage:
		return http.StatusServiceUnavailable, string(uerr.Code)
	case usecase.ErrorTimeout:
		return http.StatusGatewayTimeout, string(uerr.Code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}
