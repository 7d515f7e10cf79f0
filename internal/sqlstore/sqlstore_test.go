package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"billsplit-agent/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:billsplit-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	s, err := Open(dsn, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateSchema(context.Background()))
	return s
}

func sampleState() domain.ConversationState {
	s := domain.NewConversation(domain.ConversationKey{UserID: "+919800000000", SessionID: "default"}, fixedNow, 24*time.Hour)
	s.CurrentStep = domain.StepExtracting
	s.Context = map[string]any{"partial_bill": map[string]any{"total": float64(90000), "currency": "INR"}}
	s.LastError = &domain.FailureRecord{Kind: "UserInputError", Message: "extract: nothing extracted", At: fixedNow}
	s.LastEventID = "id:wamid.1"
	s.LastOutbound = []domain.OutboundMessage{{Recipient: "+919800000000", Body: "What was the total?"}}
	return s
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(" ")
	require.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.Load(ctx, sampleState().Key())
	require.ErrorIs(t, err, domain.ErrNotFound)

	saved, err := s.Save(ctx, sampleState(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), saved.Version)

	got, err := s.Load(ctx, saved.Key())
	require.NoError(t, err)
	require.Equal(t, saved.CurrentStep, got.CurrentStep)
	require.Equal(t, int64(1), got.Version)
	require.Equal(t, saved.Context, got.Context)
	require.Equal(t, saved.LastOutbound, got.LastOutbound)
	require.Equal(t, saved.LastEventID, got.LastEventID)
	require.Equal(t, "UserInputError", got.LastError.Kind)
	require.True(t, saved.ExpiresAt.Equal(got.ExpiresAt))
}

func TestSave_OptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	first, err := s.Save(ctx, sampleState(), 0)
	require.NoError(t, err)

	_, err = s.Save(ctx, sampleState(), 0)
	require.ErrorIs(t, err, domain.ErrVersionConflict, "create must not overwrite")

	next := first.Clone()
	next.CurrentStep = domain.StepConfirmingExtraction
	second, err := s.Save(ctx, next, first.Version)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.Version)

	_, err = s.Save(ctx, next, first.Version)
	require.ErrorIs(t, err, domain.ErrVersionConflict, "stale writer must lose")

	got, err := s.Load(ctx, next.Key())
	require.NoError(t, err)
	require.Equal(t, domain.StepConfirmingExtraction, got.CurrentStep)
	require.Equal(t, int64(2), got.Version)
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	state := sampleState()
	state.CurrentStep = domain.StepCompleted
	saved, err := s.Save(ctx, state, 0)
	require.NoError(t, err)

	stale := saved.Clone()
	stale.Version = 7
	require.ErrorIs(t, s.Archive(ctx, stale), domain.ErrVersionConflict)
	archived, err := s.archived(ctx, saved.UserID, 10)
	require.NoError(t, err)
	require.Empty(t, archived, "failed archive must roll back")

	require.NoError(t, s.Archive(ctx, saved))
	_, err = s.Load(ctx, saved.Key())
	require.ErrorIs(t, err, domain.ErrNotFound)

	archived, err = s.archived(ctx, saved.UserID, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.Equal(t, domain.StepCompleted, archived[0].CurrentStep)

	fresh, err := s.Save(ctx, domain.NewConversation(saved.Key(), fixedNow, time.Hour), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), fresh.Version)
}

func TestContacts(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, found, err := s.Resolve(ctx, "u1", "Alice")
	require.NoError(t, err)
	require.False(t, found)

	id, err := s.Store(ctx, "u1", "Alice", "+919876543210")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := s.Store(ctx, "u1", " ALICE ", "+919876500000")
	require.NoError(t, err)
	require.Equal(t, id, again)

	contact, found, err := s.Resolve(ctx, "u1", "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "+919876500000", contact.Phone)

	_, found, err = s.Resolve(ctx, "u2", "alice")
	require.NoError(t, err)
	require.False(t, found, "contacts are scoped to one organizer")

	_, err = s.Store(ctx, "u1", "Bob", "")
	require.Error(t, err)
}

func TestPayerIndex_NewestWins(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, found, err := s.Lookup(ctx, "+919876543210")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Register(ctx, domain.PaymentLink{
		Phone: "+919876543210", Key: domain.ConversationKey{UserID: "u1", SessionID: "default"},
		Reference: "old", CreatedAt: fixedNow,
	}))
	require.NoError(t, s.Register(ctx, domain.PaymentLink{
		Phone: "+919876543210", Key: domain.ConversationKey{UserID: "u2", SessionID: "default"},
		Reference: "new", CreatedAt: fixedNow.Add(time.Minute),
	}))

	link, found, err := s.Lookup(ctx, "+919876543210")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "u2", link.Key.UserID)
	require.Equal(t, "new", link.Reference)

	require.Error(t, s.Register(ctx, domain.PaymentLink{Phone: "+91"}))
}
