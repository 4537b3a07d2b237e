// Conversation HTTP handlers.
//
// This file exposes REST endpoints for the chat widget and the agent
// dashboard:
//   - POST   /widget/conversations                           (start)
//   - POST   /widget/conversations/{id}/messages             (visitor message)
//   - GET    /widget/conversations/{id}/messages?after=N     (poll)
//   - GET    /conversations                                  (agent inbox)
//   - GET    /conversations/{id}                             (detail)
//   - GET    /conversations/{id}/messages                    (paginated)
//   - POST   /conversations/{id}/messages                    (agent message)
//   - POST   /conversations/{id}/ai-reply                    (AI reply ingress)
//   - PUT    /conversations/{id}/ai                          (toggle AI control)
//   - POST   /conversations/{id}/queue/release               (deliver queued reply)
//   - PUT    /conversations/{id}/queue/pause                 (pause/resume queue)
//   - DELETE /conversations/{id}/queue                       (cancel queued reply)
//   - POST   /conversations/{id}/close                       (end conversation)
//   - POST   /conversations/{id}/read                        (mark read)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/http/middleware"
	"github.com/havenpath/chat-backend/internal/services"
	"github.com/havenpath/chat-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService defines the conversation lifecycle operations consumed
// by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// StartConversation provisions a visitor and conversation for a property
	// and persists the first visitor message.
	StartConversation(ctx context.Context, propertyID, sessionID, firstMessage string) (*domain.Conversation, *domain.Message, error)
	// PostVisitorMessage appends a visitor message through the sequencer.
	PostVisitorMessage(ctx context.Context, conversationID, content string) (*domain.Message, error)
	// PostAgentMessage appends a human agent message, escalating on first touch.
	PostAgentMessage(ctx context.Context, conversationID, agentID, content string) (*domain.Message, error)
	// PostAIReply delivers or queues an AI reply depending on who holds control.
	PostAIReply(ctx context.Context, conversationID, content string) (*domain.Message, error)
	// Poll returns messages with seq greater than afterSeq.
	Poll(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error)
	// ListPage returns a page of messages and the total count.
	ListPage(ctx context.Context, conversationID string, page, pageSize int) ([]domain.Message, int64, error)
	// Inbox returns a page of the property's conversations by last activity.
	Inbox(ctx context.Context, propertyID string, page, pageSize int) ([]domain.Conversation, int64, error)
	// Get returns the conversation by ID.
	Get(ctx context.Context, conversationID string) (*domain.Conversation, error)
	// SetAIEnabled flips conversational control.
	SetAIEnabled(ctx context.Context, conversationID, agentID string, enabled bool) error
	// ReleaseQueuedReply delivers the held AI reply.
	ReleaseQueuedReply(ctx context.Context, conversationID string) (*domain.Message, error)
	// PauseQueuedReply holds or resumes the queued reply.
	PauseQueuedReply(ctx context.Context, conversationID string, paused bool) error
	// CancelQueuedReply discards the queued reply.
	CancelQueuedReply(ctx context.Context, conversationID string) error
	// CloseConversation ends the conversation and runs close-time automation.
	CloseConversation(ctx context.Context, conversationID string) error
	// MarkRead flags messages from a sender as read.
	MarkRead(ctx context.Context, conversationID, senderType string) (int64, error)
	// ReplayMessage returns the message stored under an Idempotency-Key, or
	// (nil, nil) when no live receipt exists.
	ReplayMessage(ctx context.Context, conversationID, key string) (*domain.Message, error)
	// RecordMessageReceipt binds an Idempotency-Key to an appended message.
	RecordMessageReceipt(ctx context.Context, conversationID, key, messageID string) error
}

// ProfileService defines visitor lead profile operations.
type ProfileService interface {
	// UpdateVisitorProfile applies a human edit to lead fields.
	UpdateVisitorProfile(ctx context.Context, visitorID string, fields map[string]*string) (*domain.Visitor, error)
	// Rescan re-extracts the transcript, overwriting stored fields.
	Rescan(ctx context.Context, conversationID string) error
}

//
// Handler wiring
//

// Handlers groups the conversation, profile, CRM, and property endpoints.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	convSvc    ConversationService
	profileSvc ProfileService
	crm        CRMFacade
	exporter   ExportOps
	props      PropertyStore
}

// New constructs a Handlers instance bound to the given services.
func New(convSvc ConversationService, profileSvc ProfileService, crm CRMFacade, exporter ExportOps, props PropertyStore) *Handlers {
	return &Handlers{convSvc: convSvc, profileSvc: profileSvc, crm: crm, exporter: exporter, props: props}
}

// agentID extracts the authenticated agent id from Gin context (set by
// upstream middleware). If absent, it falls back to the "X-Agent-ID"
// header, and finally to "demo-agent". It never touches c.Request if it's
// nil.
func agentID(c *gin.Context) string {
	if v, ok := c.Get("agentID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-Agent-ID")); h != "" {
			return h
		}
	}
	return "demo-agent"
}

//
// DTOs
//

// StartConversationRequest is the JSON payload for opening a conversation
// from the widget.
type StartConversationRequest struct {
	PropertyID string `json:"property_id" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	SessionID  string `json:"session_id" example:"widget-session-8f3a"`
	Message    string `json:"message" binding:"required" example:"Hi, I need help finding treatment"`
}

// PostMessageRequest is the JSON payload for appending a message.
type PostMessageRequest struct {
	Content string `json:"content" binding:"required" example:"Sure, my number is 555-0142"`
}

// SetAIRequest is the JSON payload for toggling AI control.
type SetAIRequest struct {
	Enabled *bool `json:"enabled" binding:"required" example:"false"`
}

// PauseQueueRequest is the JSON payload for pausing/resuming the queued reply.
type PauseQueueRequest struct {
	Paused *bool `json:"paused" binding:"required" example:"true"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// StartConversationResponse wraps the new conversation and its first message.
type StartConversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Message      *domain.Message      `json:"message"`
}

// PollResponse wraps incremental messages for the widget.
type PollResponse struct {
	Messages []domain.Message `json:"messages"`
	LastSeq  int64            `json:"last_seq"`
}

// ListMessagesResponse wraps a page of messages and pagination information.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// InboxResponse wraps a page of conversations and pagination information.
type InboxResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// failConversation maps service errors onto the response envelope.
func failConversation(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound),
		errors.Is(err, services.ErrPropertyNotFound),
		errors.Is(err, services.ErrVisitorNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrConversationClosed):
		fail(c, http.StatusConflict, ErrCodeConversationClosed, err.Error())
	case errors.Is(err, services.ErrEmptyMessage), errors.Is(err, services.ErrTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrNoQueuedReply):
		fail(c, http.StatusNotFound, ErrCodeNoQueuedReply, err.Error())
	case errors.Is(err, services.ErrQueuePaused):
		fail(c, http.StatusConflict, ErrCodeQueuePaused, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Widget handlers
//

// StartConversation godoc
// @ID          startConversation
// @Summary     Open a conversation from the widget
// @Description Creates a visitor and a pending conversation, appending the first message.
// @Tags        Widget
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.StartConversationRequest  true  "Start payload"
//
// @Success     201  {object}  handlers.StartConversationResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Property not found"
// @Router      /widget/conversations [post]
func (h *Handlers) StartConversation(c *gin.Context) {
	var req StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if _, err := uuid.Parse(req.PropertyID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "property_id must be a UUID")
		return
	}

	conv, msg, err := h.convSvc.StartConversation(c.Request.Context(), req.PropertyID, req.SessionID, req.Message)
	if err != nil {
		failConversation(c, err)
		return
	}
	ok(c, http.StatusCreated, StartConversationResponse{Conversation: conv, Message: msg})
}

// PostVisitorMessage godoc
// @ID          postVisitorMessage
// @Summary     Append a visitor message
// @Tags        Widget
// @Accept      json
// @Produce     json
//
// @Param       id    path  string                       true  "Conversation ID (UUID)"  format(uuid)
// @Param       body  body  handlers.PostMessageRequest  true  "Message payload"
//
// @Success     201  {object}  domain.Message
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Conversation closed"
// @Router      /widget/conversations/{id}/messages [post]
func (h *Handlers) PostVisitorMessage(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	if msg, served := h.servedReplay(c, convID); served {
		ok(c, http.StatusOK, msg)
		return
	}

	msg, err := h.convSvc.PostVisitorMessage(c.Request.Context(), convID, req.Content)
	if err != nil {
		failConversation(c, err)
		return
	}
	h.storeReceipt(c, convID, msg.ID)
	ok(c, http.StatusCreated, msg)
}

// PollMessages godoc
// @ID          pollMessages
// @Summary     Poll for new messages
// @Description Returns messages with seq greater than the `after` cursor, oldest first.
// @Tags        Widget
// @Produce     json
//
// @Param       id     path   string  true   "Conversation ID (UUID)"  format(uuid)
// @Param       after  query  int     false  "Sequence cursor"          minimum(0) default(0)
//
// @Success     200  {object}  handlers.PollResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /widget/conversations/{id}/messages [get]
func (h *Handlers) PollMessages(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "after must be a non-negative integer")
		return
	}

	msgs, err := h.convSvc.Poll(c.Request.Context(), convID, after, 0)
	if err != nil {
		failConversation(c, err)
		return
	}
	last := after
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].Seq
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	ok(c, http.StatusOK, PollResponse{Messages: msgs, LastSeq: last})
}

//
// Agent handlers
//

// Inbox godoc
// @ID          agentInbox
// @Summary     List a property's conversations (paginated)
// @Description Returns conversations ordered by most recent activity.
// @Tags        Conversations
// @Produce     json
//
// @Param       property_id  query  string  true   "Property ID (UUID)"  format(uuid)
// @Param       page         query  int     false  "Page number"          minimum(1) default(1)
// @Param       page_size    query  int     false  "Items per page"       minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.InboxResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Property not found"
// @Router      /conversations [get]
func (h *Handlers) Inbox(c *gin.Context) {
	propertyID := c.Query("property_id")
	if _, err := uuid.Parse(propertyID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "property_id must be a UUID")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.convSvc.Inbox(c.Request.Context(), propertyID, page, pageSize)
	if err != nil {
		failConversation(c, err)
		return
	}
	ok(c, http.StatusOK, InboxResponse{
		Conversations: items,
		Pagination:    paginate(page, pageSize, total),
	})
}

// GetConversation godoc
// @ID          getConversation
// @Summary     Fetch one conversation
// @Tags        Conversations
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.Conversation
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id} [get]
func (h *Handlers) GetConversation(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	conv, err := h.convSvc.Get(c.Request.Context(), convID)
	if err != nil {
		failConversation(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List a conversation's messages (paginated)
// @Tags        Conversations
// @Produce     json
//
// @Param       id         path   string  true   "Conversation ID (UUID)"  format(uuid)
// @Param       page       query  int     false  "Page number"              minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"           minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListMessagesResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.convSvc.ListPage(c.Request.Context(), convID, page, pageSize)
	if err != nil {
		failConversation(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: paginate(page, pageSize, total),
	})
}

// PostAgentMessage godoc
// @ID          postAgentMessage
// @Summary     Send a message as a human agent
// @Description The first agent message on an AI-controlled conversation disables AI and discards any queued reply.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-Agent-ID  header  string                       false  "Agent ID (demo header)"
// @Param       id          path    string                       true   "Conversation ID (UUID)"  format(uuid)
// @Param       body        body    handlers.PostMessageRequest  true   "Message payload"
//
// @Success     201  {object}  domain.Message
// @Failure     409  {object}  handlers.ErrorResponse  "Conversation closed"
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) PostAgentMessage(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	if msg, served := h.servedReplay(c, convID); served {
		ok(c, http.StatusOK, msg)
		return
	}

	msg, err := h.convSvc.PostAgentMessage(c.Request.Context(), convID, agentID(c), req.Content)
	if err != nil {
		failConversation(c, err)
		return
	}
	h.storeReceipt(c, convID, msg.ID)
	ok(c, http.StatusCreated, msg)
}

// PostAIReply godoc
// @ID          postAIReply
// @Summary     Deliver an AI-generated reply
// @Description Appends the reply while AI holds the conversation; queues it while a human does. A queued reply returns 202.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       id    path  string                       true  "Conversation ID (UUID)"  format(uuid)
// @Param       body  body  handlers.PostMessageRequest  true  "Reply payload"
//
// @Success     201  {object}  domain.Message
// @Success     202  {string}  string  "Queued"
// @Failure     409  {object}  handlers.ErrorResponse  "Conversation closed"
// @Router      /conversations/{id}/ai-reply [post]
func (h *Handlers) PostAIReply(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.convSvc.PostAIReply(c.Request.Context(), convID, req.Content)
	if err != nil {
		failConversation(c, err)
		return
	}
	if msg == nil {
		ok(c, http.StatusAccepted, gin.H{"queued": true})
		return
	}
	ok(c, http.StatusCreated, msg)
}

// SetAI godoc
// @ID          setAI
// @Summary     Toggle AI control of a conversation
// @Description Disabling AI is an escalation; re-enabling hands the conversation back. Setting the current value is a no-op.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-Agent-ID  header  string                  false  "Agent ID (demo header)"
// @Param       id          path    string                  true   "Conversation ID (UUID)"  format(uuid)
// @Param       body        body    handlers.SetAIRequest   true   "Toggle payload"
//
// @Success     204  {string}  string  "No Content"
// @Failure     409  {object}  handlers.ErrorResponse  "Conversation closed"
// @Router      /conversations/{id}/ai [put]
func (h *Handlers) SetAI(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	var req SetAIRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "enabled (boolean) is required")
		return
	}

	if err := h.convSvc.SetAIEnabled(c.Request.Context(), convID, agentID(c), *req.Enabled); err != nil {
		failConversation(c, err)
		return
	}
	noContent(c)
}

// ReleaseQueuedReply godoc
// @ID          releaseQueuedReply
// @Summary     Deliver the queued AI reply
// @Tags        Conversations
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     201  {object}  domain.Message
// @Failure     404  {object}  handlers.ErrorResponse  "No queued reply"
// @Failure     409  {object}  handlers.ErrorResponse  "Queue paused"
// @Router      /conversations/{id}/queue/release [post]
func (h *Handlers) ReleaseQueuedReply(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	msg, err := h.convSvc.ReleaseQueuedReply(c.Request.Context(), convID)
	if err != nil {
		failConversation(c, err)
		return
	}
	ok(c, http.StatusCreated, msg)
}

// PauseQueuedReply godoc
// @ID          pauseQueuedReply
// @Summary     Pause or resume the queued AI reply
// @Tags        Conversations
// @Accept      json
//
// @Param       id    path  string                      true  "Conversation ID (UUID)"  format(uuid)
// @Param       body  body  handlers.PauseQueueRequest  true  "Pause payload"
//
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "No queued reply"
// @Router      /conversations/{id}/queue/pause [put]
func (h *Handlers) PauseQueuedReply(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	var req PauseQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Paused == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "paused (boolean) is required")
		return
	}

	if err := h.convSvc.PauseQueuedReply(c.Request.Context(), convID, *req.Paused); err != nil {
		failConversation(c, err)
		return
	}
	noContent(c)
}

// CancelQueuedReply godoc
// @ID          cancelQueuedReply
// @Summary     Discard the queued AI reply
// @Tags        Conversations
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "No queued reply"
// @Router      /conversations/{id}/queue [delete]
func (h *Handlers) CancelQueuedReply(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	if err := h.convSvc.CancelQueuedReply(c.Request.Context(), convID); err != nil {
		failConversation(c, err)
		return
	}
	noContent(c)
}

// CloseConversation godoc
// @ID          closeConversation
// @Summary     Close a conversation
// @Description Transitions to closed, runs a final extraction pass, and evaluates the conversation-end export rule.
// @Tags        Conversations
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Failure     409  {object}  handlers.ErrorResponse  "Already closed"
// @Router      /conversations/{id}/close [post]
func (h *Handlers) CloseConversation(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	if err := h.convSvc.CloseConversation(c.Request.Context(), convID); err != nil {
		failConversation(c, err)
		return
	}
	noContent(c)
}

// MarkRead godoc
// @ID          markRead
// @Summary     Mark a sender's messages as read
// @Tags        Conversations
// @Produce     json
//
// @Param       id      path   string  true   "Conversation ID (UUID)"  format(uuid)
// @Param       sender  query  string  false  "Sender type"              Enums(visitor, agent) default(visitor)
//
// @Success     200  {object}  gin.H
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	sender := c.DefaultQuery("sender", domain.SenderVisitor)
	if sender != domain.SenderVisitor && sender != domain.SenderAgent {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sender must be visitor or agent")
		return
	}

	n, err := h.convSvc.MarkRead(c.Request.Context(), convID, sender)
	if err != nil {
		failConversation(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"updated": n})
}

// servedReplay checks whether this request replays a previously completed
// message POST (same conversation, same Idempotency-Key). A lookup failure is
// treated as a miss so a broken receipt store never blocks ingress.
func (h *Handlers) servedReplay(c *gin.Context, convID string) (*domain.Message, bool) {
	if !middleware.IsReplay(c) {
		return nil, false
	}
	key, hasKey := middleware.GetIdempotencyKey(c)
	if !hasKey {
		return nil, false
	}
	msg, err := h.convSvc.ReplayMessage(c.Request.Context(), convID, key)
	if err != nil || msg == nil {
		return nil, false
	}
	return msg, true
}

// storeReceipt binds the request's Idempotency-Key (if any) to the appended
// message. Losing the first-writer race is fine; errors are not surfaced to
// the client because the message itself was persisted.
func (h *Handlers) storeReceipt(c *gin.Context, convID, messageID string) {
	if key, hasKey := middleware.GetIdempotencyKey(c); hasKey {
		_ = h.convSvc.RecordMessageReceipt(c.Request.Context(), convID, key, messageID)
	}
}

// conversationID validates the :id path param, writing a 400 on failure.
func conversationID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return "", false
	}
	return id, true
}

func paginate(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}
