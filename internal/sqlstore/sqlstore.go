// Package sqlstore is the relational state backend: conversations, archived
// bills, the contact directory and the payer index on top of bun.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"billsplit-agent/internal/domain"
)

type Store struct {
	db  *bun.DB
	now func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to dsn. postgres:// and postgresql:// DSNs use lib/pq with
// the postgres dialect; anything else is treated as a sqlite3 DSN.
func Open(dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}
	var db *bun.DB
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sqlDB, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
		}
		db = bun.NewDB(sqlDB, pgdialect.New())
	} else {
		sqlDB, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		db = bun.NewDB(sqlDB, sqlitedialect.New())
	}
	return New(db, opts...)
}

func New(db *bun.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: bun db is required")
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateSchema creates the tables and indexes if they do not exist.
func (s *Store) CreateSchema(ctx context.Context) error {
	models := []any{
		(*conversationRecord)(nil),
		(*archivedConversationRecord)(nil),
		(*contactRecord)(nil),
		(*paymentRequestRecord)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create table: %w", err)
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*paymentRequestRecord)(nil)).
		Index("payment_requests_phone_idx").
		Column("phone", "id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: create index: %w", err)
	}
	return nil
}

func (s *Store) newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Load reads the active record for key.
func (s *Store) Load(ctx context.Context, key domain.ConversationKey) (domain.ConversationState, error) {
	rec := &conversationRecord{}
	err := s.db.NewSelect().
		Model(rec).
		Where("?TableAlias.user_id = ?", key.UserID).
		Where("?TableAlias.session_id = ?", key.SessionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ConversationState{}, domain.ErrNotFound
		}
		return domain.ConversationState{}, fmt.Errorf("sqlstore: Load: %w", err)
	}
	state, err := rec.toDomain()
	if err != nil {
		return state, fmt.Errorf("sqlstore: Load: %w: %w", domain.ErrCorruptRecord, err)
	}
	return state, nil
}

// Save writes state if the stored version still equals expected (0 means
// the record must not exist) and returns the record with its new version.
func (s *Store) Save(ctx context.Context, state domain.ConversationState, expected int64) (domain.ConversationState, error) {
	next := state.Clone()
	next.Version = expected + 1
	rec, err := newConversationRecord(next)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("sqlstore: Save: %w", err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.db.NewInsert().
			Model(rec).
			On("CONFLICT (user_id, session_id) DO NOTHING").
			Exec(ctx)
	} else {
		res, err = s.db.NewUpdate().
			Model(rec).
			WherePK().
			Where("?TableAlias.version = ?", expected).
			Exec(ctx)
	}
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("sqlstore: Save: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ConversationState{}, fmt.Errorf("sqlstore: Save: %w", domain.ErrVersionConflict)
	}
	return next, nil
}

// Archive copies a finished record into archived_conversations and removes
// it from the active table in one transaction.
func (s *Store) Archive(ctx context.Context, state domain.ConversationState) error {
	rec, err := newConversationRecord(state)
	if err != nil {
		return fmt.Errorf("sqlstore: Archive: %w", err)
	}
	now := s.now().UTC()
	archived := &archivedConversationRecord{
		ID:           s.newID(now),
		UserID:       rec.UserID,
		SessionID:    rec.SessionID,
		Step:         rec.Step,
		Context:      rec.Context,
		Version:      rec.Version,
		LastOutbound: rec.LastOutbound,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		ArchivedAt:   now,
	}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(archived).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().
			Model((*conversationRecord)(nil)).
			Where("user_id = ?", state.UserID).
			Where("session_id = ?", state.SessionID).
			Where("version = ?", state.Version).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return domain.ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore: Archive: %w", err)
	}
	return nil
}

// archived lists the archived bills of userID, newest first.
func (s *Store) archived(ctx context.Context, userID string, limit int) ([]domain.ConversationState, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []archivedConversationRecord
	err := s.db.NewSelect().
		Model(&recs).
		Where("?TableAlias.user_id = ?", userID).
		OrderExpr("?TableAlias.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: archived: %w", err)
	}
	out := make([]domain.ConversationState, 0, len(recs))
	for _, r := range recs {
		active := conversationRecord{
			UserID: r.UserID, SessionID: r.SessionID, Step: r.Step, Context: r.Context,
			Version: r.Version, LastOutbound: r.LastOutbound, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		}
		state, err := active.toDomain()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: archived: %w", err)
		}
		out = append(out, state)
	}
	return out, nil
}
