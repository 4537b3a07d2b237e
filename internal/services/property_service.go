// Package services – PropertyService
//
// Thin read/update service over property configuration and the audit
// surfaces (notification log, export history). It exists so the HTTP layer
// depends on an interface rather than the repository package.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/repo"
)

// PropertyService exposes property settings and audit reads.
type PropertyService struct {
	DB *gorm.DB
}

// GetProperty returns the property by ID.
func (s *PropertyService) GetProperty(ctx context.Context, id string) (*domain.Property, error) {
	p, err := repo.GetProperty(ctx, s.DB, id)
	if err != nil {
		return nil, ErrPropertyNotFound
	}
	return p, nil
}

// UpdateSettings applies a sparse update to rule and channel toggles.
func (s *PropertyService) UpdateSettings(ctx context.Context, id string, fields map[string]any) error {
	if err := repo.UpdatePropertyToggles(ctx, s.DB, id, fields); err != nil {
		return ErrPropertyNotFound
	}
	return nil
}

// NotificationLog returns a page of dispatch log entries, newest first.
func (s *PropertyService) NotificationLog(ctx context.Context, propertyID string, page, pageSize int) ([]domain.NotificationLogEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	total, err := repo.CountNotificationLog(ctx, s.DB, propertyID)
	if err != nil {
		return nil, 0, err
	}
	entries, err := repo.ListNotificationLogPage(ctx, s.DB, propertyID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ExportRecords returns a conversation's export history, newest first.
func (s *PropertyService) ExportRecords(ctx context.Context, conversationID string) ([]domain.ExportRecord, error) {
	return repo.ListExportRecords(ctx, s.DB, conversationID)
}
