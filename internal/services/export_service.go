// Package services – ExportService
//
// This file implements CRM export. One successful export writes exactly one
// ExportRecord; one failed export writes exactly one failed notification
// log entry; no code path produces both or neither. Manual exports run
// inline from the handler, automatic ones arrive via outbox jobs.
package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/crm"
	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/repo"
)

// LeadWriter is the CRM write contract. *crm.Client satisfies it.
type LeadWriter interface {
	CreateLead(ctx context.Context, propertyID string, fields map[string]any) (string, error)
}

// ExportFailureLogger records a failed export in the notification log.
// *notify.Dispatcher satisfies it.
type ExportFailureLogger interface {
	LogExportFailure(ctx context.Context, propertyID, conversationID, errText string)
}

// BatchResult summarizes a batch export. Errors holds one line per failed
// visitor; Exported plus len(Errors) equals Total.
type BatchResult struct {
	Exported int      `json:"exported"`
	Total    int      `json:"total"`
	Errors   []string `json:"errors,omitempty"`
}

// ExportService maps visitor profiles to CRM leads and records outcomes.
type ExportService struct {
	DB       *gorm.DB
	CRM      LeadWriter
	Failures ExportFailureLogger
}

// ExportConversation pushes the conversation's visitor profile to the CRM.
// On success the confirmed record ID is persisted as an ExportRecord; on
// failure a single failed log entry is written and the error returned so
// the outbox can retry.
func (s *ExportService) ExportConversation(ctx context.Context, conversationID, exportType string) (*domain.ExportRecord, error) {
	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		return nil, ErrConversationNotFound
	}
	return s.export(ctx, conv, exportType)
}

// BatchExport pushes each visitor's profile to the CRM using the visitor's
// most recent conversation. Failures are collected per visitor and never
// abort the batch.
func (s *ExportService) BatchExport(ctx context.Context, visitorIDs []string) BatchResult {
	res := BatchResult{Total: len(visitorIDs)}
	for _, vid := range visitorIDs {
		conv, err := repo.LatestConversationForVisitor(ctx, s.DB, vid)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: no conversation found", vid))
			continue
		}
		if _, err := s.export(ctx, conv, domain.ExportManual); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", vid, err))
			continue
		}
		res.Exported++
	}
	return res
}

func (s *ExportService) export(ctx context.Context, conv *domain.Conversation, exportType string) (*domain.ExportRecord, error) {
	p, err := repo.GetProperty(ctx, s.DB, conv.PropertyID)
	if err != nil {
		return nil, ErrPropertyNotFound
	}
	visitor, err := repo.GetVisitor(ctx, s.DB, conv.VisitorID)
	if err != nil {
		return nil, ErrVisitorNotFound
	}

	fields := crm.MapLeadFields(p, visitor)
	crmID, err := s.CRM.CreateLead(ctx, p.ID, fields)
	if err != nil {
		s.Failures.LogExportFailure(ctx, p.ID, conv.ID, err.Error())
		return nil, err
	}
	return repo.CreateExportRecord(ctx, s.DB, conv.ID, p.ID, crmID, exportType)
}
