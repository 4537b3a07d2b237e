// Property HTTP handlers.
//
// This file exposes configuration and audit endpoints for a property:
//   - GET /properties/{id}                    (settings)
//   - PUT /properties/{id}/settings           (trigger rules + channels)
//   - GET /properties/{id}/notifications      (dispatch log, paginated)
//   - GET /conversations/{id}/exports         (export records)
//   - PUT /visitors/{id}/profile              (human lead edit)
//   - POST /conversations/{id}/rescan         (explicit re-extraction)
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/services"
)

// PropertyStore defines the property configuration and audit reads consumed
// by HTTP handlers.
type PropertyStore interface {
	// GetProperty returns the property by ID.
	GetProperty(ctx context.Context, id string) (*domain.Property, error)
	// UpdateSettings applies a sparse update to rule and channel toggles.
	UpdateSettings(ctx context.Context, id string, fields map[string]any) error
	// NotificationLog returns a page of dispatch log entries and the total.
	NotificationLog(ctx context.Context, propertyID string, page, pageSize int) ([]domain.NotificationLogEntry, int64, error)
	// ExportRecords returns a conversation's export history, newest first.
	ExportRecords(ctx context.Context, conversationID string) ([]domain.ExportRecord, error)
}

// UpdateSettingsRequest is the JSON payload for updating property toggles.
// All fields are optional; omitted fields are left unchanged.
type UpdateSettingsRequest struct {
	ExportOnEscalation      *bool   `json:"export_on_escalation,omitempty"`
	ExportOnConversationEnd *bool   `json:"export_on_conversation_end,omitempty"`
	ExportOnInsurance       *bool   `json:"export_on_insurance_detected,omitempty"`
	ExportOnPhone           *bool   `json:"export_on_phone_detected,omitempty"`
	EmailEnabled            *bool   `json:"email_enabled,omitempty"`
	NotifyEmails            *string `json:"notify_emails,omitempty"`
	ChatOpsEnabled          *bool   `json:"chatops_enabled,omitempty"`
	ChatOpsWebhookURL       *string `json:"chatops_webhook_url,omitempty"`
	InAppEnabled            *bool   `json:"in_app_enabled,omitempty"`
	CRMFieldMap             *string `json:"crm_field_map,omitempty"`
}

// UpdateVisitorProfileRequest is the JSON payload for a human lead edit.
// A field present with an empty string clears the stored value; an omitted
// field is left unchanged.
type UpdateVisitorProfileRequest struct {
	Name              *string `json:"name,omitempty"`
	Email             *string `json:"email,omitempty"`
	Phone             *string `json:"phone,omitempty"`
	Age               *string `json:"age,omitempty"`
	Occupation        *string `json:"occupation,omitempty"`
	AddictionHistory  *string `json:"addiction_history,omitempty"`
	DrugOfChoice      *string `json:"drug_of_choice,omitempty"`
	TreatmentInterest *string `json:"treatment_interest,omitempty"`
	InsuranceInfo     *string `json:"insurance_info,omitempty"`
	UrgencyLevel      *string `json:"urgency_level,omitempty"`
}

// NotificationLogResponse wraps a page of dispatch log entries.
type NotificationLogResponse struct {
	Entries    []domain.NotificationLogEntry `json:"entries"`
	Pagination Pagination                    `json:"pagination"`
}

// GetProperty godoc
// @ID          getProperty
// @Summary     Fetch property settings
// @Tags        Properties
// @Produce     json
//
// @Param       id  path  string  true  "Property ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.Property
// @Failure     404  {object}  handlers.ErrorResponse  "Property not found"
// @Router      /properties/{id} [get]
func (h *Handlers) GetProperty(c *gin.Context) {
	id, okID := propertyID(c)
	if !okID {
		return
	}
	p, err := h.props.GetProperty(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "property not found")
		return
	}
	ok(c, http.StatusOK, p)
}

// UpdateSettings godoc
// @ID          updatePropertySettings
// @Summary     Update trigger rules and notification channels
// @Description Sparse update: only fields present in the body change.
// @Tags        Properties
// @Accept      json
//
// @Param       id    path  string                          true  "Property ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateSettingsRequest  true  "Settings payload"
//
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Property not found"
// @Router      /properties/{id}/settings [put]
func (h *Handlers) UpdateSettings(c *gin.Context) {
	id, okID := propertyID(c)
	if !okID {
		return
	}
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	fields := map[string]any{}
	putBool := func(col string, v *bool) {
		if v != nil {
			fields[col] = *v
		}
	}
	putStr := func(col string, v *string) {
		if v != nil {
			fields[col] = *v
		}
	}
	putBool("export_on_escalation", req.ExportOnEscalation)
	putBool("export_on_conversation_end", req.ExportOnConversationEnd)
	putBool("export_on_insurance", req.ExportOnInsurance)
	putBool("export_on_phone", req.ExportOnPhone)
	putBool("email_enabled", req.EmailEnabled)
	putStr("notify_emails", req.NotifyEmails)
	putBool("chat_ops_enabled", req.ChatOpsEnabled)
	putStr("chat_ops_webhook_url", req.ChatOpsWebhookURL)
	putBool("in_app_enabled", req.InAppEnabled)
	putStr("crm_field_map", req.CRMFieldMap)

	if len(fields) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "no settings provided")
		return
	}
	if err := h.props.UpdateSettings(c.Request.Context(), id, fields); err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "property not found")
		return
	}
	noContent(c)
}

// NotificationLog godoc
// @ID          notificationLog
// @Summary     List a property's notification dispatch log (paginated)
// @Description One immutable entry per dispatch attempt: sent, failed, or skipped.
// @Tags        Properties
// @Produce     json
//
// @Param       id         path   string  true   "Property ID (UUID)"  format(uuid)
// @Param       page       query  int     false  "Page number"          minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"       minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.NotificationLogResponse
// @Router      /properties/{id}/notifications [get]
func (h *Handlers) NotificationLog(c *gin.Context) {
	id, okID := propertyID(c)
	if !okID {
		return
	}
	page, pageSize := clampPagination(c)

	entries, total, err := h.props.NotificationLog(c.Request.Context(), id, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, NotificationLogResponse{
		Entries:    entries,
		Pagination: paginate(page, pageSize, total),
	})
}

// ExportRecords godoc
// @ID          exportRecords
// @Summary     List a conversation's CRM export history
// @Tags        CRM
// @Produce     json
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {array}  domain.ExportRecord
// @Router      /conversations/{id}/exports [get]
func (h *Handlers) ExportRecords(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	recs, err := h.props.ExportRecords(c.Request.Context(), convID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if recs == nil {
		recs = []domain.ExportRecord{}
	}
	ok(c, http.StatusOK, recs)
}

// UpdateVisitorProfile godoc
// @ID          updateVisitorProfile
// @Summary     Edit a visitor's lead profile
// @Description Human edits may overwrite or clear any lead field; automated extraction never can.
// @Tags        Visitors
// @Accept      json
// @Produce     json
//
// @Param       id    path  string                               true  "Visitor ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateVisitorProfileRequest true  "Profile payload"
//
// @Success     200  {object}  domain.Visitor
// @Failure     404  {object}  handlers.ErrorResponse  "Visitor not found"
// @Router      /visitors/{id}/profile [put]
func (h *Handlers) UpdateVisitorProfile(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "visitor id must be a UUID")
		return
	}
	var req UpdateVisitorProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	fields := map[string]*string{
		"name":               req.Name,
		"email":              req.Email,
		"phone":              req.Phone,
		"age":                req.Age,
		"occupation":         req.Occupation,
		"addiction_history":  req.AddictionHistory,
		"drug_of_choice":     req.DrugOfChoice,
		"treatment_interest": req.TreatmentInterest,
		"insurance_info":     req.InsuranceInfo,
		"urgency_level":      req.UrgencyLevel,
	}
	for k, v := range fields {
		if v == nil {
			delete(fields, k)
		}
	}
	if len(fields) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "no profile fields provided")
		return
	}

	v, err := h.profileSvc.UpdateVisitorProfile(c.Request.Context(), id, fields)
	if err != nil {
		if errors.Is(err, services.ErrVisitorNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "visitor not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, v)
}

// RescanConversation godoc
// @ID          rescanConversation
// @Summary     Re-run lead extraction over the full transcript
// @Description Explicit rescan may overwrite stored fields, unlike background extraction.
// @Tags        Conversations
//
// @Param       id  path  string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse  "Conversation not found"
// @Router      /conversations/{id}/rescan [post]
func (h *Handlers) RescanConversation(c *gin.Context) {
	convID, okID := conversationID(c)
	if !okID {
		return
	}
	if err := h.profileSvc.Rescan(c.Request.Context(), convID); err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}
