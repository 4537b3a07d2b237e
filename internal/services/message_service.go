// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns conversation lifecycle and the visitor/AI/agent handoff state
// machine. It validates inputs, appends messages through the atomic
// per-conversation sequencer, flips AI control when an agent takes over,
// queues AI replies that arrive while a human holds the conversation, and
// closes conversations with a final extraction pass.
//
// Extraction and export never run inline here. The service enqueues outbox
// jobs inside the same transaction as the triggering write, so message
// ingress stays fast and the side effects are at-least-once.
//
// Observability: public methods are OpenTelemetry-instrumented; spans
// include conversation identifiers and pagination parameters where
// applicable.

package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageService coordinates message persistence and the handoff state
// machine. ExtractEvery controls the cadence of background lead extraction:
// a lead_extraction job is enqueued after every Nth visitor message and
// once more on close.
type MessageService struct {
	DB       *gorm.DB
	Triggers *TriggerService

	// ExtractEvery is the visitor-message cadence for background lead
	// extraction. Zero disables cadence-based extraction; the close-time
	// pass still runs.
	ExtractEvery int

	// MaxMessageRunes caps message bodies by rune length. Zero means no cap.
	MaxMessageRunes int

	// ReceiptTTL is how long a message receipt keeps an Idempotency-Key
	// replayable. Zero falls back to 24h.
	ReceiptTTL time.Duration
}

// StartConversation creates a visitor and a pending conversation for the
// property, then appends the visitor's first message through the sequencer.
func (s *MessageService) StartConversation(ctx context.Context, propertyID, sessionID, firstMessage string) (*domain.Conversation, *domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "StartConversation",
		trace.WithAttributes(attribute.String("property.id", propertyID)),
	)
	defer span.End()

	firstMessage, err := s.validateBody(firstMessage)
	if err != nil {
		return nil, nil, err
	}
	if _, err := repo.GetProperty(ctx, s.DB, propertyID); err != nil {
		return nil, nil, ErrPropertyNotFound
	}

	var (
		conv *domain.Conversation
		msg  *domain.Message
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		visitor, err := repo.CreateVisitor(ctx, tx, propertyID, sessionID)
		if err != nil {
			return err
		}
		conv, err = repo.CreateConversation(ctx, tx, propertyID, visitor.ID)
		if err != nil {
			return err
		}
		msg, err = repo.AppendMessage(ctx, tx, conv.ID, domain.SenderVisitor, firstMessage)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	conv.LastSequence = msg.Seq
	return conv, msg, nil
}

// PostVisitorMessage appends a visitor message. On every ExtractEvery-th
// visitor message a lead_extraction job is enqueued in the same
// transaction.
func (s *MessageService) PostVisitorMessage(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "PostVisitorMessage",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	content, err := s.validateBody(content)
	if err != nil {
		return nil, err
	}

	conv, err := s.loadOpen(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err = repo.AppendMessage(ctx, tx, conv.ID, domain.SenderVisitor, content)
		if err != nil {
			return err
		}
		if s.ExtractEvery <= 0 {
			return nil
		}
		n, err := repo.CountMessagesBySender(ctx, tx, conv.ID, domain.SenderVisitor)
		if err != nil {
			return err
		}
		if n%int64(s.ExtractEvery) != 0 {
			return nil
		}
		cid := conv.ID
		return repo.EnqueueJob(ctx, tx, &domain.OutboxJob{
			Kind:           domain.JobLeadExtraction,
			PropertyID:     conv.PropertyID,
			ConversationID: &cid,
			Payload:        "{}",
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// PostAgentMessage appends a human agent message. The first agent message
// on an AI-controlled conversation is an escalation: AI is disabled, any
// queued reply is discarded, and the escalation trigger is evaluated. The
// conversation also moves from pending to active and records the agent.
func (s *MessageService) PostAgentMessage(ctx context.Context, conversationID, agentID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "PostAgentMessage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("agent.id", agentID),
		),
	)
	defer span.End()

	content, err := s.validateBody(content)
	if err != nil {
		return nil, err
	}

	conv, err := s.loadOpen(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err = repo.AppendMessage(ctx, tx, conv.ID, domain.SenderAgent, content)
		if err != nil {
			return err
		}

		fields := map[string]any{"assigned_agent": agentID}
		if conv.Status == domain.ConversationPending {
			fields["status"] = domain.ConversationActive
		}
		escalated := conv.AIEnabled
		if escalated {
			fields["ai_enabled"] = false
			fields["queued_reply_preview"] = nil
			fields["queued_reply_at"] = nil
			fields["queued_reply_paused"] = false
		}
		if err := repo.UpdateConversation(ctx, tx, conv.ID, fields); err != nil {
			return err
		}
		if !escalated {
			return nil
		}
		p, err := repo.GetProperty(ctx, tx, conv.PropertyID)
		if err != nil {
			return err
		}
		return s.Triggers.OnEscalation(ctx, tx, p, conv.ID)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// PostAIReply delivers an AI-generated reply. While the conversation is
// AI-controlled the reply is appended immediately; while a human holds it
// the reply is queued instead, replacing any previously queued reply. The
// returned message is nil when the reply was queued.
func (s *MessageService) PostAIReply(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "PostAIReply",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	content, err := s.validateBody(content)
	if err != nil {
		return nil, err
	}

	conv, err := s.loadOpen(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if !conv.AIEnabled {
		now := time.Now().UTC()
		// Replacing a queued reply resets the whole sub-state; a pause on
		// the discarded reply does not carry over to the new one.
		err := repo.UpdateConversation(ctx, s.DB, conv.ID, map[string]any{
			"queued_reply_preview": content,
			"queued_reply_at":      now,
			"queued_reply_paused":  false,
		})
		return nil, err
	}
	return repo.AppendMessage(ctx, s.DB, conv.ID, domain.SenderAgent, content)
}

// ReleaseQueuedReply delivers the held AI reply as a message and clears the
// queue. Delivery is refused while the queue is paused or empty.
func (s *MessageService) ReleaseQueuedReply(ctx context.Context, conversationID string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ReleaseQueuedReply",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	conv, err := s.loadOpen(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasQueuedReply() {
		return nil, ErrNoQueuedReply
	}
	if conv.QueuedReplyPaused {
		return nil, ErrQueuePaused
	}

	var msg *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msg, err = repo.AppendMessage(ctx, tx, conv.ID, domain.SenderAgent, *conv.QueuedReplyPreview)
		if err != nil {
			return err
		}
		return repo.ClearQueuedReply(ctx, tx, conv.ID)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// PauseQueuedReply toggles the hold on the queued reply without discarding
// it.
func (s *MessageService) PauseQueuedReply(ctx context.Context, conversationID string, paused bool) error {
	conv, err := s.loadOpen(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasQueuedReply() {
		return ErrNoQueuedReply
	}
	return repo.UpdateConversation(ctx, s.DB, conv.ID, map[string]any{
		"queued_reply_paused": paused,
	})
}

// CancelQueuedReply discards the queued reply entirely.
func (s *MessageService) CancelQueuedReply(ctx context.Context, conversationID string) error {
	conv, err := s.loadOpen(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasQueuedReply() {
		return ErrNoQueuedReply
	}
	return repo.ClearQueuedReply(ctx, s.DB, conv.ID)
}

// SetAIEnabled flips conversational control. Disabling AI from the enabled
// state is an escalation: the queued reply is discarded and the escalation
// trigger is evaluated. Re-enabling never re-fires the trigger, and setting
// the current value is a no-op.
func (s *MessageService) SetAIEnabled(ctx context.Context, conversationID, agentID string, enabled bool) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "SetAIEnabled",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Bool("ai.enabled", enabled),
		),
	)
	defer span.End()

	conv, err := s.loadOpen(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.AIEnabled == enabled {
		return nil
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := map[string]any{"ai_enabled": enabled}
		if !enabled {
			fields["assigned_agent"] = agentID
			fields["queued_reply_preview"] = nil
			fields["queued_reply_at"] = nil
			fields["queued_reply_paused"] = false
			if conv.Status == domain.ConversationPending {
				fields["status"] = domain.ConversationActive
			}
		}
		if err := repo.UpdateConversation(ctx, tx, conv.ID, fields); err != nil {
			return err
		}
		if enabled {
			return nil
		}
		p, err := repo.GetProperty(ctx, tx, conv.PropertyID)
		if err != nil {
			return err
		}
		return s.Triggers.OnEscalation(ctx, tx, p, conv.ID)
	})
}

// CloseConversation transitions the conversation to closed, queues a final
// lead extraction pass, and evaluates the conversation-end export rule.
// Closing an already closed conversation returns ErrConversationClosed.
func (s *MessageService) CloseConversation(ctx context.Context, conversationID string) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "CloseConversation",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	conv, err := s.loadOpen(ctx, conversationID)
	if err != nil {
		return err
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := repo.UpdateConversation(ctx, tx, conv.ID, map[string]any{
			"status":               domain.ConversationClosed,
			"queued_reply_preview": nil,
			"queued_reply_at":      nil,
			"queued_reply_paused":  false,
		})
		if err != nil {
			return err
		}
		cid := conv.ID
		err = repo.EnqueueJob(ctx, tx, &domain.OutboxJob{
			Kind:           domain.JobLeadExtraction,
			PropertyID:     conv.PropertyID,
			ConversationID: &cid,
			Payload:        "{}",
		})
		if err != nil {
			return err
		}
		p, err := repo.GetProperty(ctx, tx, conv.PropertyID)
		if err != nil {
			return err
		}
		return s.Triggers.OnConversationEnd(ctx, tx, p, conv.ID)
	})
}

// Poll returns messages with seq greater than afterSeq, oldest first. It is
// the widget's incremental fetch; an empty slice means nothing new.
func (s *MessageService) Poll(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		return nil, ErrConversationNotFound
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return repo.ListMessagesAfter(ctx, s.DB, conversationID, afterSeq, limit)
}

// ListPage returns paginated messages for a conversation, oldest first.
func (s *MessageService) ListPage(ctx context.Context, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		return nil, 0, ErrConversationNotFound
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	total, err := repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := repo.ListMessagesPage(ctx, s.DB, conversationID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// Inbox returns a page of the property's conversations, most recently
// active first.
func (s *MessageService) Inbox(ctx context.Context, propertyID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Inbox",
		trace.WithAttributes(
			attribute.String("property.id", propertyID),
			attribute.Int("page", page),
		),
	)
	defer span.End()

	if _, err := repo.GetProperty(ctx, s.DB, propertyID); err != nil {
		return nil, 0, ErrPropertyNotFound
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 25
	}
	total, err := repo.CountConversations(ctx, s.DB, propertyID)
	if err != nil {
		return nil, 0, err
	}
	convs, err := repo.ListConversationsPage(ctx, s.DB, propertyID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

// MarkRead flags all messages from the given sender as read and returns the
// number of rows flipped.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, senderType string) (int64, error) {
	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		return 0, ErrConversationNotFound
	}
	return repo.MarkMessagesRead(ctx, s.DB, conversationID, senderType)
}

// Get returns the conversation by ID.
func (s *MessageService) Get(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// ReplayMessage returns the message previously stored under the
// Idempotency-Key, or (nil, nil) when no live receipt exists and the caller
// should process the request normally.
func (s *MessageService) ReplayMessage(ctx context.Context, conversationID, key string) (*domain.Message, error) {
	rec, err := repo.GetMessageReceipt(ctx, s.DB, conversationID, key, time.Now().UTC())
	if err != nil || rec == nil {
		return nil, err
	}
	return repo.GetMessage(ctx, s.DB, rec.MessageID)
}

// RecordMessageReceipt stores a receipt binding the Idempotency-Key to the
// appended message. First writer wins; losing a race is not an error.
func (s *MessageService) RecordMessageReceipt(ctx context.Context, conversationID, key, messageID string) error {
	ttl := s.ReceiptTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return repo.PutMessageReceipt(ctx, s.DB, conversationID, key, messageID, 1, ttl)
}

// loadOpen fetches the conversation and rejects closed ones.
func (s *MessageService) loadOpen(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		return nil, ErrConversationNotFound
	}
	if conv.Status == domain.ConversationClosed {
		return nil, ErrConversationClosed
	}
	return conv, nil
}

func (s *MessageService) validateBody(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if s.MaxMessageRunes > 0 && utf8.RuneCountInString(content) > s.MaxMessageRunes {
		return "", ErrTooLong
	}
	return content, nil
}
