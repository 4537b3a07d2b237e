// CRM HTTP handlers.
//
// This file exposes the CRM integration endpoints:
//   - POST   /properties/{id}/crm/connect     (begin OAuth, returns authorize URL)
//   - GET    /crm/callback                    (OAuth redirect target)
//   - GET    /properties/{id}/crm/status      (connection state)
//   - DELETE /properties/{id}/crm             (disconnect)
//   - POST   /conversations/{id}/export       (manual export)
//   - POST   /crm/batch-export                (export many visitors)
//
// The OAuth callback is hit by the CRM's redirect, not by our own clients,
// so its error responses are deliberately terse and never echo token
// material.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/havenpath/chat-backend/internal/crm"
	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/services"
)

// CRMFacade defines the OAuth and connection-state operations consumed by
// HTTP handlers. *crm.Integration satisfies it.
type CRMFacade interface {
	// StartAuthorization stores PKCE state and returns the authorize URL.
	StartAuthorization(ctx context.Context, propertyID string) (string, error)
	// CompleteAuthorization consumes the pending state and exchanges the code.
	CompleteAuthorization(ctx context.Context, state, code string) error
	// ConnectionStatus reports whether the property holds usable tokens.
	ConnectionStatus(ctx context.Context, propertyID string) (crm.Status, error)
	// Disconnect discards the stored credential.
	Disconnect(ctx context.Context, propertyID string) error
}

// ExportOps defines the export operations consumed by HTTP handlers.
// *services.ExportService satisfies it.
type ExportOps interface {
	// ExportConversation pushes one conversation's lead to the CRM.
	ExportConversation(ctx context.Context, conversationID, exportType string) (*domain.ExportRecord, error)
	// BatchExport pushes many visitors, collecting per-visitor failures.
	BatchExport(ctx context.Context, visitorIDs []string) services.BatchResult
}

// BatchExportRequest is the JSON payload for exporting multiple visitors.
type BatchExportRequest struct {
	VisitorIDs []string `json:"visitor_ids" binding:"required,min=1"`
}

// ConnectCRMResponse carries the authorize URL the browser should follow.
type ConnectCRMResponse struct {
	AuthorizeURL string `json:"authorize_url"`
}

// ConnectCRM godoc
// @ID          connectCRM
// @Summary     Begin CRM OAuth authorization
// @Description Stores single-use PKCE state and returns the URL to redirect the admin's browser to.
// @Tags        CRM
// @Produce     json
//
// @Param       id  path  string  true  "Property ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.ConnectCRMResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /properties/{id}/crm/connect [post]
func (h *Handlers) ConnectCRM(c *gin.Context) {
	propertyID, okID := propertyID(c)
	if !okID {
		return
	}
	url, err := h.crm.StartAuthorization(c.Request.Context(), propertyID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, ConnectCRMResponse{AuthorizeURL: url})
}

// CRMCallback godoc
// @ID          crmCallback
// @Summary     OAuth redirect target
// @Description Validates state, exchanges the authorization code, and stores encrypted tokens. State is single-use: a replayed callback fails.
// @Tags        CRM
// @Produce     json
//
// @Param       state  query  string  true  "Opaque state from the authorize redirect"
// @Param       code   query  string  true  "Authorization code"
//
// @Success     200  {object}  gin.H
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid or expired state"
// @Failure     409  {object}  handlers.ErrorResponse  "State already used"
// @Router      /crm/callback [get]
func (h *Handlers) CRMCallback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "state and code are required")
		return
	}

	err := h.crm.CompleteAuthorization(c.Request.Context(), state, code)
	switch {
	case err == nil:
		ok(c, http.StatusOK, gin.H{"connected": true})
	case errors.Is(err, crm.ErrStateAlreadyUsed):
		fail(c, http.StatusConflict, ErrCodeOAuthState, "authorization state already used")
	case errors.Is(err, crm.ErrBadState),
		errors.Is(err, crm.ErrStateMismatch),
		errors.Is(err, crm.ErrStateExpired):
		fail(c, http.StatusBadRequest, ErrCodeOAuthState, "invalid or expired authorization state")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "token exchange failed")
	}
}

// CRMStatus godoc
// @ID          crmStatus
// @Summary     Report CRM connection state
// @Tags        CRM
// @Produce     json
//
// @Param       id  path  string  true  "Property ID (UUID)"  format(uuid)
//
// @Success     200  {object}  crm.Status
// @Router      /properties/{id}/crm/status [get]
func (h *Handlers) CRMStatus(c *gin.Context) {
	propertyID, okID := propertyID(c)
	if !okID {
		return
	}
	st, err := h.crm.ConnectionStatus(c.Request.Context(), propertyID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}

// DisconnectCRM godoc
// @ID          disconnectCRM
// @Summary     Remove the stored CRM credential
// @Tags        CRM
//
// @Param       id  path  string  true  "Property ID (UUID)"  format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Router      /properties/{id}/crm [delete]
func (h *Handlers) DisconnectCRM(c *gin.Context) {
	propertyID, okID := propertyID(c)
	if !okID {
		return
	}
	if err := h.crm.Disconnect(c.Request.Context(), propertyID); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}

// ExportConversation godoc
// @ID          exportConversation
// @Summary     Manually export a conversation's lead to the CRM
// @Tags        CRM
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     201  {object}  domain.ExportRecord
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse  "CRM not connected"
// @Failure     502  {object}  handlers.ErrorResponse  "CRM rejected the export"
// @Router      /conversations/{id}/export [post]
func (h *Handlers) ExportConversation(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	rec, err := h.exporter.ExportConversation(c.Request.Context(), convID, domain.ExportManual)
	switch {
	case err == nil:
		ok(c, http.StatusCreated, rec)
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, crm.ErrNotConnected):
		fail(c, http.StatusConflict, ErrCodeCRMNotConnected, "property has no CRM connection")
	default:
		fail(c, http.StatusBadGateway, ErrCodeExportFailed, err.Error())
	}
}

// BatchExport godoc
// @ID          batchExport
// @Summary     Export many visitors' leads to the CRM
// @Description Failures are collected per visitor; the batch never aborts early.
// @Tags        CRM
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.BatchExportRequest  true  "Visitor IDs"
//
// @Success     200  {object}  services.BatchResult
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Router      /crm/batch-export [post]
func (h *Handlers) BatchExport(c *gin.Context) {
	var req BatchExportRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.VisitorIDs) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "visitor_ids (non-empty array) is required")
		return
	}
	res := h.exporter.BatchExport(c.Request.Context(), req.VisitorIDs)
	ok(c, http.StatusOK, res)
}

// propertyID validates the :id path param, writing a 400 on failure.
func propertyID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "property id must be a UUID")
		return "", false
	}
	return id, true
}
