// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for export
// records, the notification log, and outbox jobs.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
)

// CreateExportRecord records a confirmed CRM write. Callers must only invoke
// this after the CRM acknowledged the create.
func CreateExportRecord(ctx context.Context, db *gorm.DB, conversationID, propertyID, crmRecordID, exportType string) (*domain.ExportRecord, error) {
	r := &domain.ExportRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		PropertyID:     propertyID,
		CRMRecordID:    crmRecordID,
		ExportType:     exportType,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// ListExportRecords returns a conversation's export history, newest first.
func ListExportRecords(ctx context.Context, db *gorm.DB, conversationID string) ([]domain.ExportRecord, error) {
	var out []domain.ExportRecord
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// AppendNotificationLog writes one immutable dispatch-attempt record.
func AppendNotificationLog(ctx context.Context, db *gorm.DB, e *domain.NotificationLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(e).Error
}

// CountNotificationLog returns the total log entries for a property.
func CountNotificationLog(ctx context.Context, db *gorm.DB, propertyID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.NotificationLogEntry{}).
		Where("property_id = ?", propertyID).
		Count(&total).Error
	return total, err
}

// ListNotificationLogPage returns a page of a property's dispatch log,
// newest first.
func ListNotificationLogPage(ctx context.Context, db *gorm.DB, propertyID string, offset, limit int) ([]domain.NotificationLogEntry, error) {
	var out []domain.NotificationLogEntry
	err := db.WithContext(ctx).
		Where("property_id = ?", propertyID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// EnqueueJob inserts an outbox job. Pass the transaction handle of the
// triggering write so the job and the write commit or roll back together.
func EnqueueJob(ctx context.Context, db *gorm.DB, job *domain.OutboxJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.Status = domain.JobPending
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return db.WithContext(ctx).Create(job).Error
}

// ClaimDueJobs returns up to limit pending jobs that are due, oldest first.
// The single-process worker is the only claimer, so no row locking is
// needed beyond SQLite's writer serialization.
func ClaimDueJobs(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.OutboxJob, error) {
	var out []domain.OutboxJob
	err := db.WithContext(ctx).
		Where("status = ? AND available_at <= ?", domain.JobPending, now).
		Order("available_at ASC, created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkJobDone finishes a job successfully.
func MarkJobDone(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.OutboxJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     domain.JobDone,
			"updated_at": time.Now().UTC(),
		}).Error
}

// MarkJobFailed records a failed attempt. The job stays pending (with a
// backoff on available_at) until attempts reaches maxAttempts, at which
// point it is failed terminally; either way the error text is retained.
func MarkJobFailed(ctx context.Context, db *gorm.DB, job *domain.OutboxJob, errText string, backoff time.Duration, maxAttempts int) error {
	attempts := job.Attempts + 1
	status := domain.JobPending
	if attempts >= maxAttempts {
		status = domain.JobFailed
	}
	return db.WithContext(ctx).
		Model(&domain.OutboxJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"status":       status,
			"attempts":     attempts,
			"last_error":   errText,
			"available_at": time.Now().UTC().Add(backoff),
			"updated_at":   time.Now().UTC(),
		}).Error
}
