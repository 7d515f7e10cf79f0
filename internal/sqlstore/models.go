package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"billsplit-agent/internal/domain"
)

type conversationRecord struct {
	bun.BaseModel `bun:"table:conversations,alias:c"`

	UserID       string    `bun:"user_id,pk"`
	SessionID    string    `bun:"session_id,pk"`
	Step         string    `bun:"step,notnull"`
	Context      string    `bun:"context,notnull"`
	RetryCount   int       `bun:"retry_count,notnull"`
	LastError    string    `bun:"last_error,nullzero"`
	Version      int64     `bun:"version,notnull"`
	LastEventID  string    `bun:"last_event_id,nullzero"`
	LastOutbound string    `bun:"last_outbound,nullzero"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
	ExpiresAt    time.Time `bun:"expires_at,notnull"`
}

type archivedConversationRecord struct {
	bun.BaseModel `bun:"table:archived_conversations,alias:ac"`

	ID           string    `bun:"id,pk"`
	UserID       string    `bun:"user_id,notnull"`
	SessionID    string    `bun:"session_id,notnull"`
	Step         string    `bun:"step,notnull"`
	Context      string    `bun:"context,notnull"`
	Version      int64     `bun:"version,notnull"`
	LastOutbound string    `bun:"last_outbound,nullzero"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
	ArchivedAt   time.Time `bun:"archived_at,notnull"`
}

type contactRecord struct {
	bun.BaseModel `bun:"table:contacts,alias:ct"`

	UserID    string    `bun:"user_id,pk"`
	NameKey   string    `bun:"name_key,pk"`
	ID        string    `bun:"id,notnull,unique"`
	Name      string    `bun:"name,notnull"`
	Phone     string    `bun:"phone,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

type paymentRequestRecord struct {
	bun.BaseModel `bun:"table:payment_requests,alias:pr"`

	ID        string    `bun:"id,pk"`
	Phone     string    `bun:"phone,notnull"`
	UserID    string    `bun:"user_id,notnull"`
	SessionID string    `bun:"session_id,notnull"`
	Reference string    `bun:"reference,nullzero"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func newConversationRecord(s domain.ConversationState) (*conversationRecord, error) {
	ctxJSON, err := json.Marshal(s.Context)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	rec := &conversationRecord{
		UserID:      s.UserID,
		SessionID:   s.SessionID,
		Step:        string(s.CurrentStep),
		Context:     string(ctxJSON),
		RetryCount:  s.RetryCount,
		Version:     s.Version,
		LastEventID: s.LastEventID,
		CreatedAt:   s.CreatedAt.UTC(),
		UpdatedAt:   s.UpdatedAt.UTC(),
		ExpiresAt:   s.ExpiresAt.UTC(),
	}
	if len(s.LastOutbound) > 0 {
		raw, err := json.Marshal(s.LastOutbound)
		if err != nil {
			return nil, fmt.Errorf("encode last outbound: %w", err)
		}
		rec.LastOutbound = string(raw)
	}
	if s.LastError != nil {
		raw, err := json.Marshal(s.LastError)
		if err != nil {
			return nil, fmt.Errorf("encode last error: %w", err)
		}
		rec.LastError = string(raw)
	}
	return rec, nil
}

func (r *conversationRecord) toDomain() (domain.ConversationState, error) {
	s := domain.ConversationState{
		UserID:      r.UserID,
		SessionID:   r.SessionID,
		CurrentStep: domain.Step(r.Step),
		RetryCount:  r.RetryCount,
		Version:     r.Version,
		LastEventID: r.LastEventID,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		ExpiresAt:   r.ExpiresAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Context), &s.Context); err != nil {
		return s, fmt.Errorf("decode context: %w", err)
	}
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	if r.LastOutbound != "" {
		if err := json.Unmarshal([]byte(r.LastOutbound), &s.LastOutbound); err != nil {
			return s, fmt.Errorf("decode last outbound: %w", err)
		}
	}
	if r.LastError != "" {
		s.LastError = &domain.FailureRecord{}
		if err := json.Unmarshal([]byte(r.LastError), s.LastError); err != nil {
			return s, fmt.Errorf("decode last error: %w", err)
		}
	}
	return s, nil
}
