package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// InputKind is the modality of an inbound message.
type InputKind string

const (
	InputText  InputKind = "text"
	InputVoice InputKind = "voice"
	InputImage InputKind = "image"
)

func (k InputKind) Valid() bool {
	switch k {
	case InputText, InputVoice, InputImage:
		return true
	}
	return false
}

// EventSource distinguishes messages typed by a conversation's owner from
// payment confirmations routed in from a payer.
type EventSource string

const (
	SourceUser    EventSource = "user"
	SourcePayment EventSource = "payment"
)

// Channel is a delivery channel for outbound messages.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

// InboundEvent is one message delivered to the engine. Delivery is
// at-least-once, so the same event may arrive more than once.
type InboundEvent struct {
	ID          string
	UserID      string
	SessionID   string
	Kind        InputKind
	Text        string
	MediaURL    string
	MediaType   string
	SenderPhone string
	Source      EventSource
	Reference   string
	// ReceivedAt is the provider's timestamp, zero when it sent none. It
	// takes part in the content fingerprint, so it is never server-stamped.
	ReceivedAt time.Time

	// Entry marks a synthetic dispatch made when a step is entered within
	// the same unit of work; it carries no user content.
	Entry bool
}

func (e InboundEvent) Key() ConversationKey {
	return ConversationKey{UserID: e.UserID, SessionID: e.SessionID}
}

// Fingerprint identifies the event for redelivery detection: the provider
// message id when present, otherwise a digest of the content.
func (e InboundEvent) Fingerprint() string {
	if id := strings.TrimSpace(e.ID); id != "" {
		return "id:" + id
	}
	h := sha256.New()
	for _, part := range []string{
		e.UserID, e.SessionID, string(e.Kind), e.Text, e.MediaURL,
		e.SenderPhone, string(e.Source), e.Reference,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if !e.ReceivedAt.IsZero() {
		h.Write([]byte(strconv.FormatInt(e.ReceivedAt.UnixNano(), 10)))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Raw returns the payload handed to extraction collaborators.
func (e InboundEvent) Raw() RawInput {
	return RawInput{Kind: e.Kind, Text: e.Text, MediaURL: e.MediaURL, MediaType: e.MediaType}
}

// RawInput is the unparsed bill payload of an inbound message.
type RawInput struct {
	Kind      InputKind
	Text      string
	MediaURL  string
	MediaType string
}

// OutboundMessage is one response produced while processing an event. An
// empty Recipient means a reply to the sender of the event.
type OutboundMessage struct {
	Recipient string `json:"recipient,omitempty"`
	Body      string `json:"body"`
}

func Reply(body string) OutboundMessage {
	return OutboundMessage{Body: body}
}
