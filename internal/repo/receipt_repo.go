// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for message
// receipts, which back the Idempotency-Key handling on message POSTs.
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
)

// GetMessageReceipt returns the stored receipt for (conversationID, key) if
// one exists and has not expired. A nil receipt with a nil error means no
// usable receipt was found.
func GetMessageReceipt(ctx context.Context, db *gorm.DB, conversationID, key string, now time.Time) (*domain.MessageReceipt, error) {
	var r domain.MessageReceipt
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND key = ? AND expires_at > ?", conversationID, key, now).
		First(&r).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// PutMessageReceipt records the outcome of a message POST so retries with
// the same Idempotency-Key replay the original message instead of appending
// a duplicate. Conflicts on the unique (conversation, key) index are
// ignored: first writer wins.
func PutMessageReceipt(ctx context.Context, db *gorm.DB, conversationID, key, messageID string, status int, ttl time.Duration) error {
	now := time.Now().UTC()
	r := &domain.MessageReceipt{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Key:            key,
		MessageID:      messageID,
		Status:         status,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	err := db.WithContext(ctx).Create(r).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// PurgeExpiredReceipts removes receipts past their TTL. Called
// opportunistically by the outbox worker loop.
func PurgeExpiredReceipts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.MessageReceipt{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// the SQLite driver. String matching is the portable option for the pure-Go
// driver, which does not expose typed errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
