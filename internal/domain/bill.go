package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// BillData is the structured result of bill extraction.
type BillData struct {
	Total        Amount   `json:"total"`
	Currency     string   `json:"currency"`
	Description  string   `json:"description,omitempty"`
	Merchant     string   `json:"merchant,omitempty"`
	Date         string   `json:"date,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// Missing lists the fields that still need an answer before the bill can be
// confirmed.
func (b BillData) Missing() []string {
	var missing []string
	if b.Total <= 0 {
		missing = append(missing, "total")
	}
	if len(b.Participants) == 0 {
		missing = append(missing, "participants")
	}
	return missing
}

func (b BillData) Complete() bool { return len(b.Missing()) == 0 }

func (b BillData) Exponent() int { return CurrencyExponent(b.Currency) }

// Merge fills b with the non-empty fields of update. Participants are
// appended in order, skipping names already present.
func (b BillData) Merge(update BillData) BillData {
	out := b
	if update.Total > 0 {
		out.Total = update.Total
	}
	if update.Currency != "" {
		out.Currency = update.Currency
	}
	if update.Description != "" {
		out.Description = update.Description
	}
	if update.Merchant != "" {
		out.Merchant = update.Merchant
	}
	if update.Date != "" {
		out.Date = update.Date
	}
	seen := make(map[string]bool, len(b.Participants))
	out.Participants = append([]string(nil), b.Participants...)
	for _, p := range b.Participants {
		seen[NameKey(p)] = true
	}
	for _, p := range update.Participants {
		p = strings.TrimSpace(p)
		if p == "" || seen[NameKey(p)] {
			continue
		}
		seen[NameKey(p)] = true
		out.Participants = append(out.Participants, p)
	}
	return out
}

// PaymentStatus tracks one participant's payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentRequested PaymentStatus = "requested"
	PaymentFailed    PaymentStatus = "failed"
	PaymentPaid      PaymentStatus = "paid"
)

// Participant is one person sharing the bill.
type Participant struct {
	Name      string        `json:"name"`
	Phone     string        `json:"phone,omitempty"`
	ContactID string        `json:"contactId,omitempty"`
	Share     Amount        `json:"share"`
	Status    PaymentStatus `json:"status,omitempty"`
	Reference string        `json:"reference,omitempty"`
	PaidAt    *time.Time    `json:"paidAt,omitempty"`
}

// Contact is a remembered participant phone number, scoped to one organizer.
type Contact struct {
	ID    string
	Name  string
	Phone string
}

// DeliveryResult is the outcome of sending one payment request.
type DeliveryResult struct {
	Participant string  `json:"participant"`
	Recipient   string  `json:"recipient"`
	Channel     Channel `json:"channel,omitempty"`
	Delivered   bool    `json:"delivered"`
	Reference   string  `json:"reference,omitempty"`
	MessageID   string  `json:"messageId,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// PaymentLink ties a payer phone to the conversation that requested money
// from it.
type PaymentLink struct {
	Phone     string
	Key       ConversationKey
	Reference string
	CreatedAt time.Time
}

// NameKey normalizes a person name for comparisons and storage keys.
func NameKey(name string) string {
	name = norm.NFKC.String(name)
	name = strings.Join(strings.Fields(name), " ")
	return cases.Fold().String(name)
}
