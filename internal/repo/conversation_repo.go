// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for conversations
// and visitors.
//
// All functions accept a *gorm.DB handle, making them safe for use within
// transactions or connection-scoped operations. They follow the "thin
// repository" approach: no business logic, only CRUD persistence and query
// composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateVisitor inserts a new visitor row for the given property. Lead
// fields start empty and are only filled by extraction or human edits.
func CreateVisitor(ctx context.Context, db *gorm.DB, propertyID, sessionID string) (*domain.Visitor, error) {
	v := &domain.Visitor{
		ID:         uuid.NewString(),
		PropertyID: propertyID,
		SessionID:  sessionID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(v).Error; err != nil {
		return nil, err
	}
	return v, nil
}

// GetVisitor fetches a visitor by ID, or ErrNotFound.
func GetVisitor(ctx context.Context, db *gorm.DB, id string) (*domain.Visitor, error) {
	var v domain.Visitor
	if err := db.WithContext(ctx).Where("id = ?", id).First(&v).Error; err != nil {
		return nil, err
	}
	return &v, nil
}

// UpdateVisitorFields persists a sparse set of lead-field updates. The caller
// (services.ExtractionService) is responsible for the additive-only policy;
// this function writes exactly the columns it is given.
func UpdateVisitorFields(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Visitor{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateConversation starts a conversation for a visitor. New conversations
// are pending with the AI enabled; status flips to active on first human
// involvement.
func CreateConversation(ctx context.Context, db *gorm.DB, propertyID, visitorID string) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:         uuid.NewString(),
		PropertyID: propertyID,
		VisitorID:  visitorID,
		Status:     domain.ConversationPending,
		AIEnabled:  true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by ID, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// LatestConversationForVisitor returns the visitor's most recently active
// conversation. Batch exports use it to anchor the ExportRecord.
func LatestConversationForVisitor(ctx context.Context, db *gorm.DB, visitorID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("visitor_id = ?", visitorID).
		Order("updated_at desc").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountConversations returns the total number of conversations for a property.
func CountConversations(ctx context.Context, db *gorm.DB, propertyID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("property_id = ?", propertyID).
		Count(&total).Error
	return total, err
}

// ListConversationsPage returns a page of a property's conversations ordered
// by last activity (updated_at DESC) so the agent inbox stays correct no
// matter which write path bumped the conversation.
func ListConversationsPage(ctx context.Context, db *gorm.DB, propertyID string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateConversation persists a sparse column update and bumps updated_at.
func UpdateConversation(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ClearQueuedReply resets the queued AI reply sub-state (preview, queued-at,
// paused) in one update. Cancellation is a direct state clear, not a
// cooperative interrupt of in-flight work.
func ClearQueuedReply(ctx context.Context, db *gorm.DB, id string) error {
	return UpdateConversation(ctx, db, id, map[string]any{
		"queued_reply_preview": nil,
		"queued_reply_at":      nil,
		"queued_reply_paused":  false,
	})
}

// GetProperty fetches a property by ID, or ErrNotFound.
func GetProperty(ctx context.Context, db *gorm.DB, id string) (*domain.Property, error) {
	var p domain.Property
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProperty inserts a property row. Used by onboarding and tests; this
// core otherwise only toggles rule and notification flags.
func CreateProperty(ctx context.Context, db *gorm.DB, p *domain.Property) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(p).Error
}

// UpdatePropertyToggles persists rule/notification toggle changes only.
func UpdatePropertyToggles(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Property{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
