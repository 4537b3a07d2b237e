// Package domain defines the persistence models for properties, visitors,
// conversations, messages, and the lead-automation records built on top of
// them (CRM exports, notification log, encrypted CRM credentials, outbox
// jobs). These types are mapped with GORM and form the core data layer of
// the chat lead engine.
package domain

import (
	"time"
)

// Conversation status values.
const (
	ConversationPending = "pending"
	ConversationActive  = "active"
	ConversationClosed  = "closed"
)

// Message sender types.
const (
	SenderVisitor = "visitor"
	SenderAgent   = "agent"
)

// Export types recorded on ExportRecord.ExportType.
const (
	ExportManual           = "manual"
	ExportAutoEscalation   = "auto_escalation"
	ExportAutoConversation = "auto_conversation_end"
	ExportAutoInsurance    = "auto_insurance"
	ExportAutoPhone        = "auto_phone"
)

// Notification dispatch statuses.
const (
	NotifySent    = "sent"
	NotifyFailed  = "failed"
	NotifySkipped = "skipped"
)

// Property represents a tenant's registered website. It is the multi-tenancy
// boundary: conversations, CRM credentials, trigger rules, and notification
// channels all hang off a property. This core mutates only the rule and
// notification toggles; everything else is owned by onboarding.
//
// Trigger rules are a fixed enumeration of booleans, not user-defined logic.
type Property struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"       gorm:"type:varchar(255);not null"`
	SiteURL   string    `json:"site_url"   gorm:"type:varchar(512)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Trigger rules (see services.TriggerService). A false rule means the
	// corresponding event produces no CRM call and no log entry.
	ExportOnEscalation      bool `json:"export_on_escalation"         gorm:"not null;default:false"`
	ExportOnConversationEnd bool `json:"export_on_conversation_end"   gorm:"not null;default:false"`
	ExportOnInsurance       bool `json:"export_on_insurance_detected" gorm:"not null;default:false"`
	ExportOnPhone           bool `json:"export_on_phone_detected"     gorm:"not null;default:false"`

	// Notification channel configuration.
	EmailEnabled      bool   `json:"email_enabled"       gorm:"not null;default:false"`
	NotifyEmails      string `json:"notify_emails"       gorm:"type:varchar(1024)"` // comma-separated recipients
	ChatOpsEnabled    bool   `json:"chatops_enabled"     gorm:"not null;default:false"`
	ChatOpsWebhookURL string `json:"chatops_webhook_url" gorm:"type:varchar(1024)"`
	InAppEnabled      bool   `json:"in_app_enabled"      gorm:"not null;default:true"`

	// CRMFieldMap is a JSON object mapping visitor lead fields to CRM field
	// names, e.g. {"phone":"Phone","insurance_info":"Insurance__c"}.
	CRMFieldMap string `json:"crm_field_map" gorm:"type:text"`
}

// TableName returns the database table name for Property.
func (Property) TableName() string { return "properties" }

// Visitor is one chat session's lead record within a property. The ten lead
// fields are nullable on purpose: automated extraction may only fill a field
// that is still NULL, never overwrite one (see services.ExtractionService).
type Visitor struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	PropertyID string    `json:"property_id" gorm:"type:char(36);not null;index:idx_property_visitors"`
	SessionID  string    `json:"session_id"  gorm:"type:varchar(64);index"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Lead fields captured from conversation text. Once non-null they are
	// only changed by a human edit or an explicit re-scan.
	Name              *string `json:"name,omitempty"               gorm:"type:varchar(255)"`
	Email             *string `json:"email,omitempty"              gorm:"type:varchar(255)"`
	Phone             *string `json:"phone,omitempty"              gorm:"type:varchar(64)"`
	Age               *string `json:"age,omitempty"                gorm:"type:varchar(16)"`
	Occupation        *string `json:"occupation,omitempty"         gorm:"type:varchar(255)"`
	AddictionHistory  *string `json:"addiction_history,omitempty"  gorm:"type:text"`
	DrugOfChoice      *string `json:"drug_of_choice,omitempty"     gorm:"type:varchar(255)"`
	TreatmentInterest *string `json:"treatment_interest,omitempty" gorm:"type:text"`
	InsuranceInfo     *string `json:"insurance_info,omitempty"     gorm:"type:text"`
	UrgencyLevel      *string `json:"urgency_level,omitempty"      gorm:"type:varchar(64)"`

	Property Property `json:"-" gorm:"foreignKey:PropertyID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Visitor.
func (Visitor) TableName() string { return "visitors" }

// Conversation is the ordered exchange between one visitor and either the AI
// or a human agent.
//
// Invariants:
//   - LastSequence is the per-conversation message counter; it is only ever
//     advanced inside the repo.AppendMessage transaction.
//   - Once AIEnabled is set false by a human action, no automated process
//     flips it back; only an explicit toggle re-enables it.
//   - The queued-reply sub-state (preview / queued-at / paused) holds an AI
//     reply that arrived while a human was active; it is plain state, cleared
//     directly on cancel or delivery.
type Conversation struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	PropertyID    string    `json:"property_id"    gorm:"type:char(36);not null;index:idx_property_convs"`
	VisitorID     string    `json:"visitor_id"     gorm:"type:char(36);not null;index"`
	Status        string    `json:"status"         gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','active','closed')"`
	AIEnabled     bool      `json:"ai_enabled"     gorm:"not null;default:true"`
	AssignedAgent *string   `json:"assigned_agent,omitempty" gorm:"type:varchar(64)"`
	LastSequence  int64     `json:"last_sequence"  gorm:"not null;default:0"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"     gorm:"index"`

	// Queued AI reply sub-state, meaningful only while a human is active.
	QueuedReplyPreview *string    `json:"queued_reply_preview,omitempty" gorm:"type:text"`
	QueuedReplyAt      *time.Time `json:"queued_reply_at,omitempty"`
	QueuedReplyPaused  bool       `json:"queued_reply_paused"            gorm:"not null;default:false"`

	Property Property `json:"-" gorm:"foreignKey:PropertyID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Visitor  Visitor  `json:"-" gorm:"foreignKey:VisitorID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// HasQueuedReply reports whether an AI reply is currently held for delivery.
func (c *Conversation) HasQueuedReply() bool { return c.QueuedReplyPreview != nil }

// Message is a single utterance within a conversation. Messages are
// append-only: nothing is ever mutated after insert except the read flag.
//
// Seq values are unique and strictly increasing per conversation; polling
// consumers use "greatest seq seen" as their cursor, so a duplicate would
// corrupt every downstream reader.
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_conv_seq,priority:1;index:idx_conv_msgs"`
	SenderType     string    `json:"sender_type"     gorm:"type:varchar(16);not null;check:sender_type IN ('visitor','agent')"`
	Content        string    `json:"content"         gorm:"type:text;not null"`
	Seq            int64     `json:"seq"             gorm:"not null;uniqueIndex:ux_conv_seq,priority:2"`
	Read           bool      `json:"read"            gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"created_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ExportRecord links a conversation to the external CRM record created for
// it. A row exists only after a confirmed successful CRM write.
type ExportRecord struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index"`
	PropertyID     string    `json:"property_id"     gorm:"type:char(36);not null;index"`
	CRMRecordID    string    `json:"crm_record_id"   gorm:"type:varchar(64);not null"`
	ExportType     string    `json:"export_type"     gorm:"type:varchar(32);not null;check:export_type IN ('manual','auto_escalation','auto_conversation_end','auto_insurance','auto_phone')"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for ExportRecord.
func (ExportRecord) TableName() string { return "export_records" }

// NotificationLogEntry is the durable audit record of one dispatch attempt on
// one channel (success, failure, or skip). Entries are immutable once
// written; the dispatcher writes exactly one per attempt.
type NotificationLogEntry struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	PropertyID     string    `json:"property_id"     gorm:"type:char(36);not null;index:idx_property_notifications"`
	ConversationID *string   `json:"conversation_id,omitempty" gorm:"type:char(36);index"`
	Channel        string    `json:"channel"         gorm:"type:varchar(32);not null"`
	Recipient      string    `json:"recipient"       gorm:"type:varchar(512)"`
	Event          string    `json:"event"           gorm:"type:varchar(64);not null"`
	Status         string    `json:"status"          gorm:"type:varchar(16);not null;check:status IN ('sent','failed','skipped')"`
	Error          *string   `json:"error,omitempty" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index"`
}

// TableName returns the database table name for NotificationLogEntry.
func (NotificationLogEntry) TableName() string { return "notification_log" }

// CRMCredential stores a property's OAuth tokens for the external CRM.
// Tokens are persisted encrypted (see internal/secrets), never in plaintext.
//
// Version is an optimistic-concurrency counter: a token rotation updates the
// row only when the version still matches the one read, so two concurrent
// 401-driven refreshes cannot both persist conflicting tokens.
//
// The Pending* fields hold the single-use OAuth handshake state (CSRF nonce,
// PKCE verifier, expiry). They are consumed exactly once in the callback and
// cleared regardless of outcome.
type CRMCredential struct {
	ID           string     `json:"id"            gorm:"type:char(36);primaryKey"`
	PropertyID   string     `json:"property_id"   gorm:"type:char(36);not null;uniqueIndex"`
	AccessToken  string     `json:"-"             gorm:"type:text"` // encrypted
	RefreshToken string     `json:"-"             gorm:"type:text"` // encrypted
	InstanceURL  string     `json:"instance_url"  gorm:"type:varchar(512)"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Version      int64      `json:"version"       gorm:"not null;default:0"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	PendingNonce     *string    `json:"-" gorm:"type:varchar(64)"`
	PendingVerifier  *string    `json:"-" gorm:"type:varchar(256)"`
	PendingExpiresAt *time.Time `json:"-"`
}

// TableName returns the database table name for CRMCredential.
func (CRMCredential) TableName() string { return "crm_credentials" }

// Connected reports whether the credential holds a usable token set.
func (c *CRMCredential) Connected() bool {
	return c.AccessToken != "" && c.InstanceURL != ""
}

// Outbox job kinds and statuses.
const (
	JobLeadExtraction = "lead_extraction"
	JobCRMExport      = "crm_export"
	JobNotification   = "notification"

	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed"
)

// OutboxJob is a durable background task. Jobs are enqueued in the same
// transaction as the write that caused them, so "fire-and-forget" dispatch
// is still at-least-once and observable: attempts, last error, and terminal
// status all live on the row.
type OutboxJob struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	Kind           string    `json:"kind"            gorm:"type:varchar(32);not null;index:idx_outbox_due,priority:2"`
	PropertyID     string    `json:"property_id"     gorm:"type:char(36);not null"`
	ConversationID *string   `json:"conversation_id,omitempty" gorm:"type:char(36)"`
	Payload        string    `json:"payload"         gorm:"type:text;not null"` // JSON
	Status         string    `json:"status"          gorm:"type:varchar(16);not null;default:'pending';index:idx_outbox_due,priority:1"`
	Attempts       int       `json:"attempts"        gorm:"not null;default:0"`
	LastError      *string   `json:"last_error,omitempty" gorm:"type:text"`
	AvailableAt    time.Time `json:"available_at"    gorm:"not null;index:idx_outbox_due,priority:3"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for OutboxJob.
func (OutboxJob) TableName() string { return "outbox_jobs" }
