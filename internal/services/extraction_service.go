// Package services – ExtractionService
//
// This file implements background lead extraction: the full transcript is
// sent to the structured-output LLM backend and any newly discovered fields
// are merged into the visitor profile. The merge is strictly additive; a
// field that already holds a value is never overwritten by extraction, only
// by a human edit or an explicit rescan. Extraction failures are treated as
// "nothing extracted" and never surface to conversation flow.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/llm"
	"github.com/havenpath/chat-backend/internal/repo"
)

// ExtractionService runs transcript extraction and the additive merge. The
// trigger service is consulted for fields whose first appearance carries a
// side effect (phone, insurance).
type ExtractionService struct {
	DB        *gorm.DB
	Extractor llm.Extractor
	Triggers  *TriggerService

	// Timeout bounds one backend call. Zero means the caller's context
	// deadline applies unchanged.
	Timeout time.Duration
}

// Run extracts lead fields for the conversation and merges them additively
// into its visitor. Newly filled phone or insurance fields evaluate their
// detection triggers in the same transaction as the profile write. A
// backend failure is logged and swallowed; extraction is best effort.
func (s *ExtractionService) Run(ctx context.Context, conversationID string) error {
	return s.run(ctx, conversationID, false)
}

// Rescan re-extracts and applies every extracted field, overwriting
// existing values. It is reserved for explicit operator action; detection
// triggers still fire only for fields that were previously empty.
func (s *ExtractionService) Rescan(ctx context.Context, conversationID string) error {
	return s.run(ctx, conversationID, true)
}

func (s *ExtractionService) run(ctx context.Context, conversationID string, overwrite bool) error {
	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		return ErrConversationNotFound
	}
	transcript, err := repo.ListTranscript(ctx, s.DB, conv.ID)
	if err != nil {
		return err
	}
	if len(transcript) == 0 {
		return nil
	}

	turns := make([]llm.Turn, 0, len(transcript))
	for _, m := range transcript {
		turns = append(turns, llm.Turn{Role: m.SenderType, Content: m.Content})
	}

	callCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	extracted, err := s.Extractor.ExtractLead(callCtx, turns)
	if err != nil {
		log.Warn().Err(err).
			Str("conversation_id", conv.ID).
			Msg("lead extraction backend failed; treating as nothing extracted")
		return nil
	}
	if extracted.Empty() {
		return nil
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-read inside the transaction so concurrent merges stay additive.
		visitor, err := repo.GetVisitor(ctx, tx, conv.VisitorID)
		if err != nil {
			return err
		}

		updates := map[string]any{}
		newly := map[string]string{}
		merge := func(column string, current *string, next *string) {
			if next == nil || *next == "" {
				return
			}
			if current == nil || *current == "" {
				updates[column] = *next
				newly[column] = *next
				return
			}
			if overwrite && *current != *next {
				updates[column] = *next
			}
		}

		merge("name", visitor.Name, extracted.Name)
		merge("email", visitor.Email, extracted.Email)
		merge("phone", visitor.Phone, extracted.Phone)
		merge("age", visitor.Age, extracted.Age)
		merge("occupation", visitor.Occupation, extracted.Occupation)
		merge("addiction_history", visitor.AddictionHistory, extracted.AddictionHistory)
		merge("drug_of_choice", visitor.DrugOfChoice, extracted.DrugOfChoice)
		merge("treatment_interest", visitor.TreatmentInterest, extracted.TreatmentInterest)
		merge("insurance_info", visitor.InsuranceInfo, extracted.InsuranceInfo)
		merge("urgency_level", visitor.UrgencyLevel, extracted.UrgencyLevel)

		if len(updates) == 0 {
			return nil
		}
		if err := repo.UpdateVisitorFields(ctx, tx, visitor.ID, updates); err != nil {
			return err
		}

		phone, phoneNew := newly["phone"]
		_, insuranceNew := newly["insurance_info"]
		if !phoneNew && !insuranceNew {
			return nil
		}
		p, err := repo.GetProperty(ctx, tx, conv.PropertyID)
		if err != nil {
			return err
		}
		if phoneNew {
			if err := s.Triggers.OnPhoneDetected(ctx, tx, p, conv.ID, phone); err != nil {
				return err
			}
		}
		if insuranceNew {
			if err := s.Triggers.OnInsuranceDetected(ctx, tx, p, conv.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateVisitorProfile applies a human edit to the visitor's lead fields.
// Unlike extraction it may overwrite or clear values; an empty string
// clears the field. Detection triggers do not fire for manual edits.
func (s *ExtractionService) UpdateVisitorProfile(ctx context.Context, visitorID string, fields map[string]*string) (*domain.Visitor, error) {
	if _, err := repo.GetVisitor(ctx, s.DB, visitorID); err != nil {
		return nil, ErrVisitorNotFound
	}

	updates := map[string]any{}
	for column, v := range fields {
		if !editableLeadColumn(column) {
			continue
		}
		if v == nil || *v == "" {
			updates[column] = nil
		} else {
			updates[column] = *v
		}
	}
	if len(updates) > 0 {
		if err := repo.UpdateVisitorFields(ctx, s.DB, visitorID, updates); err != nil {
			return nil, err
		}
	}
	return repo.GetVisitor(ctx, s.DB, visitorID)
}

func editableLeadColumn(name string) bool {
	switch name {
	case "name", "email", "phone", "age", "occupation",
		"addiction_history", "drug_of_choice", "treatment_interest",
		"insurance_info", "urgency_level":
		return true
	}
	return false
}
