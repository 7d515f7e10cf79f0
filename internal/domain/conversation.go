package domain

import (
	"errors"
	"time"
)

var (
	// ErrVersionConflict is returned by state stores when the persisted
	// version no longer matches the version the caller read.
	ErrVersionConflict = errors.New("state version conflict")
	ErrNotFound        = errors.New("not found")
	// ErrCorruptRecord marks a stored record that could not be decoded. The
	// state returned alongside it carries at least its key and version.
	ErrCorruptRecord = errors.New("corrupt record")
)

// ConversationKey identifies one conversation record.
type ConversationKey struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

func (k ConversationKey) String() string {
	return k.UserID + "#" + k.SessionID
}

// FailureRecord describes the most recent failure applied to a conversation.
type FailureRecord struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ConversationState is the versioned record of one user's bill-splitting
// conversation.
type ConversationState struct {
	UserID       string
	SessionID    string
	CurrentStep  Step
	Context      map[string]any
	RetryCount   int
	LastError    *FailureRecord
	Version      int64
	LastEventID  string
	LastOutbound []OutboundMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// NewConversation returns a fresh INITIAL record for key.
func NewConversation(key ConversationKey, now time.Time, ttl time.Duration) ConversationState {
	return ConversationState{
		UserID:      key.UserID,
		SessionID:   key.SessionID,
		CurrentStep: StepInitial,
		Context:     map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func (s ConversationState) Key() ConversationKey {
	return ConversationKey{UserID: s.UserID, SessionID: s.SessionID}
}

// Expired reports whether the record is past its expiry and must be treated
// as absent.
func (s ConversationState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy of s.
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Context = CloneContext(s.Context)
	if s.LastError != nil {
		le := *s.LastError
		out.LastError = &le
	}
	if s.LastOutbound != nil {
		out.LastOutbound = append([]OutboundMessage(nil), s.LastOutbound...)
	}
	return out
}

// CloneContext deep-copies a context bag made of JSON-compatible values.
func CloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneContext(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
