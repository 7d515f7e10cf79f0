package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"billsplit-agent/internal/domain"
)

// Resolve returns the phone number userID last gave for name.
func (s *Store) Resolve(ctx context.Context, userID, name string) (domain.Contact, bool, error) {
	key := domain.NameKey(name)
	if key == "" {
		return domain.Contact{}, false, nil
	}
	rec, err := findContact(ctx, s.db, userID, key)
	if err != nil {
		return domain.Contact{}, false, fmt.Errorf("sqlstore: Resolve: %w", err)
	}
	if rec == nil {
		return domain.Contact{}, false, nil
	}
	return domain.Contact{ID: rec.ID, Name: rec.Name, Phone: rec.Phone}, true, nil
}

// Store remembers phone for name and returns the contact id, which stays
// stable across updates.
func (s *Store) Store(ctx context.Context, userID, name, phone string) (string, error) {
	name = strings.TrimSpace(name)
	phone = strings.TrimSpace(phone)
	if name == "" || phone == "" {
		return "", errors.New("sqlstore: Store: name and phone are required")
	}
	now := s.now().UTC()
	var id string
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := findContact(ctx, tx, userID, domain.NameKey(name))
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &contactRecord{
				UserID:    userID,
				NameKey:   domain.NameKey(name),
				ID:        s.newID(now),
				Name:      name,
				Phone:     phone,
				UpdatedAt: now,
			}
			if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
				return err
			}
			id = rec.ID
			return nil
		}
		rec.Name = name
		rec.Phone = phone
		rec.UpdatedAt = now
		if _, err := tx.NewUpdate().Model(rec).WherePK().Exec(ctx); err != nil {
			return err
		}
		id = rec.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("sqlstore: Store: %w", err)
	}
	return id, nil
}

func findContact(ctx context.Context, db bun.IDB, userID, key string) (*contactRecord, error) {
	rec := &contactRecord{}
	err := db.NewSelect().
		Model(rec).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.name_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}
