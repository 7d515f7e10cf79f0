package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"billsplit-agent/internal/domain"
)

// Register records that link.Key asked link.Phone for money.
func (s *Store) Register(ctx context.Context, link domain.PaymentLink) error {
	if link.Phone == "" || link.Key.UserID == "" {
		return errors.New("sqlstore: Register: phone and user are required")
	}
	created := link.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	rec := &paymentRequestRecord{
		ID:        s.newID(created),
		Phone:     link.Phone,
		UserID:    link.Key.UserID,
		SessionID: link.Key.SessionID,
		Reference: link.Reference,
		CreatedAt: created.UTC(),
	}
	if _, err := s.db.NewInsert().Model(rec).Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: Register: %w", err)
	}
	return nil
}

// Lookup returns the newest payment request sent to phone.
func (s *Store) Lookup(ctx context.Context, phone string) (domain.PaymentLink, bool, error) {
	rec := &paymentRequestRecord{}
	err := s.db.NewSelect().
		Model(rec).
		Where("?TableAlias.phone = ?", phone).
		OrderExpr("?TableAlias.id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentLink{}, false, nil
		}
		return domain.PaymentLink{}, false, fmt.Errorf("sqlstore: Lookup: %w", err)
	}
	return domain.PaymentLink{
		Phone:     rec.Phone,
		Key:       domain.ConversationKey{UserID: rec.UserID, SessionID: rec.SessionID},
		Reference: rec.Reference,
		CreatedAt: rec.CreatedAt,
	}, true, nil
}
