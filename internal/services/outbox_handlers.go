// Package services – outbox job handlers
//
// This file binds the three durable job kinds to their services. Handlers
// return an error to request a retry with backoff; returning nil marks the
// job done. A notification job never retries: every attempt is already
// durably logged, and re-running it would re-send to channels that
// succeeded the first time.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/notify"
	"github.com/havenpath/chat-backend/internal/outbox"
	"github.com/havenpath/chat-backend/internal/repo"
)

// RegisterOutboxHandlers wires lead_extraction, crm_export, and
// notification jobs onto the worker.
func RegisterOutboxHandlers(w *outbox.Worker, db *gorm.DB, extraction *ExtractionService, export *ExportService, dispatcher *notify.Dispatcher) {
	w.Register(domain.JobLeadExtraction, func(ctx context.Context, job domain.OutboxJob) error {
		if job.ConversationID == nil {
			return errors.New("lead_extraction job missing conversation")
		}
		return extraction.Run(ctx, *job.ConversationID)
	})

	w.Register(domain.JobCRMExport, func(ctx context.Context, job domain.OutboxJob) error {
		if job.ConversationID == nil {
			return errors.New("crm_export job missing conversation")
		}
		var p ExportJobPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("decode crm_export payload: %w", err)
		}
		if p.ExportType == "" {
			p.ExportType = domain.ExportManual
		}
		_, err := export.ExportConversation(ctx, *job.ConversationID, p.ExportType)
		return err
	})

	w.Register(domain.JobNotification, func(ctx context.Context, job domain.OutboxJob) error {
		var p NotificationJobPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return fmt.Errorf("decode notification payload: %w", err)
		}
		prop, err := repo.GetProperty(ctx, db, job.PropertyID)
		if err != nil {
			return err
		}
		n := notify.Notification{
			PropertyID: job.PropertyID,
			Event:      p.Event,
			Subject:    p.Subject,
			Body:       p.Body,
		}
		if job.ConversationID != nil {
			n.ConversationID = *job.ConversationID
		}
		dispatcher.Dispatch(ctx, prop, n)
		return nil
	})
}
