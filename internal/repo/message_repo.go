// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the per-conversation sequence allocator.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
)

// AppendMessage allocates the next sequence number for a conversation and
// inserts the message in one transaction.
//
// The allocation is a relative UPDATE (last_sequence = last_sequence + 1),
// not a read-then-write, so two writers racing on the same conversation can
// never observe the same next value: the database serializes the increments
// and each transaction reads back the counter it produced. The insert shares
// the transaction, so a failed insert rolls the counter back and no gap-free
// duplicate can ever reach a polling consumer. The conversation's updated_at
// is bumped by the same statement so inbox ordering tracks activity.
func AppendMessage(ctx context.Context, db *gorm.DB, conversationID, senderType, content string) (*domain.Message, error) {
	var msg *domain.Message
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Exec(
			"UPDATE conversations SET last_sequence = last_sequence + 1, updated_at = ? WHERE id = ?",
			now, conversationID,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var seq int64
		if err := tx.Raw(
			"SELECT last_sequence FROM conversations WHERE id = ?", conversationID,
		).Scan(&seq).Error; err != nil {
			return err
		}

		m := &domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderType:     senderType,
			Content:        content,
			Seq:            seq,
			CreatedAt:      now,
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessagesAfter returns messages with seq > afterSeq in seq order. This
// is the polling contract: callers advance their cursor to the greatest seq
// they have seen.
func ListMessagesAfter(ctx context.Context, db *gorm.DB, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("conversation_id = ? AND seq > ?", conversationID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error
// instead of a silent zero.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).
		Scan(&total).Error
	return total, err
}

// CountMessagesBySender returns how many messages a given sender type has in
// a conversation. The extraction cadence keys off the visitor count.
func CountMessagesBySender(ctx context.Context, db *gorm.DB, conversationID, senderType string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND sender_type = ?", conversationID, senderType).
		Count(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered by seq.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListTranscript returns the full ordered transcript for a conversation.
func ListTranscript(ctx context.Context, db *gorm.DB, conversationID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// MarkMessagesRead flips the read flag on a sender's unread messages. This
// is the only mutation messages ever receive.
func MarkMessagesRead(ctx context.Context, db *gorm.DB, conversationID, senderType string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND sender_type = ? AND read = ?", conversationID, senderType, false).
		Update("read", true)
	return res.RowsAffected, res.Error
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
