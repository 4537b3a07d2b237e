// Package services – TriggerService
//
// This file implements rule evaluation for automatic CRM exports and
// notification fan-out. Each property carries four independent boolean
// rules (escalation, conversation end, insurance detected, phone detected).
// When a rule fires the service does not perform the export or send
// inline; it enqueues a durable outbox job in the caller's transaction so
// the side effect is atomic with the state change that caused it and
// survives a crash between the two.
package services

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/repo"
)

// ExportJobPayload is the JSON body of a crm_export outbox job.
type ExportJobPayload struct {
	ExportType string `json:"export_type"`
}

// NotificationJobPayload is the JSON body of a notification outbox job.
type NotificationJobPayload struct {
	Event   string `json:"event"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TriggerService evaluates per-property automation rules. All methods take
// the caller's transaction handle so enqueued jobs commit or roll back with
// the triggering write. A rule that is disabled produces no side effect of
// any kind, not even a log row.
type TriggerService struct{}

// OnEscalation fires when AI is disabled by an agent taking over.
func (s *TriggerService) OnEscalation(ctx context.Context, tx *gorm.DB, p *domain.Property, conversationID string) error {
	if !p.ExportOnEscalation {
		return nil
	}
	return s.enqueueExport(ctx, tx, p.ID, conversationID, domain.ExportAutoEscalation)
}

// OnConversationEnd fires when a conversation transitions to closed.
func (s *TriggerService) OnConversationEnd(ctx context.Context, tx *gorm.DB, p *domain.Property, conversationID string) error {
	if !p.ExportOnConversationEnd {
		return nil
	}
	return s.enqueueExport(ctx, tx, p.ID, conversationID, domain.ExportAutoConversation)
}

// OnInsuranceDetected fires when extraction first fills insurance_info.
func (s *TriggerService) OnInsuranceDetected(ctx context.Context, tx *gorm.DB, p *domain.Property, conversationID string) error {
	if !p.ExportOnInsurance {
		return nil
	}
	return s.enqueueExport(ctx, tx, p.ID, conversationID, domain.ExportAutoInsurance)
}

// OnPhoneDetected fires when extraction first fills phone. The export rule
// and the phone notification are independent: either may be configured
// without the other.
func (s *TriggerService) OnPhoneDetected(ctx context.Context, tx *gorm.DB, p *domain.Property, conversationID, phone string) error {
	if p.ExportOnPhone {
		if err := s.enqueueExport(ctx, tx, p.ID, conversationID, domain.ExportAutoPhone); err != nil {
			return err
		}
	}
	return s.EnqueueNotification(ctx, tx, p.ID, conversationID, NotificationJobPayload{
		Event:   "phone_submission",
		Subject: "New phone number captured",
		Body:    "A visitor shared a phone number: " + phone,
	})
}

// EnqueueNotification queues a notification job for asynchronous dispatch.
func (s *TriggerService) EnqueueNotification(ctx context.Context, tx *gorm.DB, propertyID, conversationID string, p NotificationJobPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	cid := conversationID
	return repo.EnqueueJob(ctx, tx, &domain.OutboxJob{
		Kind:           domain.JobNotification,
		PropertyID:     propertyID,
		ConversationID: &cid,
		Payload:        string(raw),
	})
}

func (s *TriggerService) enqueueExport(ctx context.Context, tx *gorm.DB, propertyID, conversationID, exportType string) error {
	raw, err := json.Marshal(ExportJobPayload{ExportType: exportType})
	if err != nil {
		return err
	}
	cid := conversationID
	return repo.EnqueueJob(ctx, tx, &domain.OutboxJob{
		Kind:           domain.JobCRMExport,
		PropertyID:     propertyID,
		ConversationID: &cid,
		Payload:        string(raw),
	})
}
