package notify

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/repo"
)

var dispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notification_dispatch_total",
		Help: "Notification dispatch attempts by channel and status.",
	},
	[]string{"channel", "status"},
)

func init() {
	prometheus.MustRegister(dispatchTotal)
}

// Dispatcher routes a Notification to every enabled channel of a property
// and writes exactly one NotificationLogEntry per attempt. Failures are
// isolated: one bad recipient or channel never stops the rest, and the chat
// path never waits on this (it runs from the outbox worker).
type Dispatcher struct {
	DB      *gorm.DB
	Email   Channel
	ChatOps Channel
	InApp   Channel
}

// NewDispatcher wires the three standard channels.
func NewDispatcher(db *gorm.DB, email, chatOps, inApp Channel) *Dispatcher {
	return &Dispatcher{DB: db, Email: email, ChatOps: chatOps, InApp: inApp}
}

// Dispatch fans out to the property's configured channels. The returned
// count is the number of failed attempts; every attempt is already logged
// durably by the time Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, p *domain.Property, n Notification) int {
	failed := 0

	if p.EmailEnabled {
		recipients := splitRecipients(p.NotifyEmails)
		if len(recipients) == 0 {
			d.logAttempt(ctx, n, ChannelEmail, "", domain.NotifySkipped, "no recipients configured")
		}
		for _, rcpt := range recipients {
			if !d.attempt(ctx, d.Email, rcpt, n) {
				failed++
			}
		}
	}

	if p.ChatOpsEnabled {
		if strings.TrimSpace(p.ChatOpsWebhookURL) == "" {
			d.logAttempt(ctx, n, ChannelChatOps, "", domain.NotifySkipped, "no webhook configured")
		} else if !d.attempt(ctx, d.ChatOps, p.ChatOpsWebhookURL, n) {
			failed++
		}
	}

	if p.InAppEnabled {
		if !d.attempt(ctx, d.InApp, p.ID, n) {
			failed++
		}
	}

	return failed
}

// LogExportFailure records the export_failed entry used when a CRM export
// could not be completed. It goes through the in-app log regardless of
// channel toggles: the tenant must be able to see why an export is missing.
func (d *Dispatcher) LogExportFailure(ctx context.Context, propertyID, conversationID, errText string) {
	n := Notification{
		PropertyID:     propertyID,
		ConversationID: conversationID,
		Event:          EventExportFailed,
		Subject:        "CRM export failed",
		Body:           errText,
	}
	d.logAttempt(ctx, n, ChannelInApp, propertyID, domain.NotifyFailed, errText)
}

// attempt sends on one channel/recipient pair and logs the outcome. Returns
// true on success.
func (d *Dispatcher) attempt(ctx context.Context, ch Channel, recipient string, n Notification) bool {
	err := ch.Send(ctx, recipient, n)
	if err != nil {
		d.logAttempt(ctx, n, ch.Name(), recipient, domain.NotifyFailed, err.Error())
		return false
	}
	d.logAttempt(ctx, n, ch.Name(), recipient, domain.NotifySent, "")
	return true
}

func (d *Dispatcher) logAttempt(ctx context.Context, n Notification, channel, recipient, status, errText string) {
	entry := &domain.NotificationLogEntry{
		PropertyID: n.PropertyID,
		Channel:    channel,
		Recipient:  recipient,
		Event:      n.Event,
		Status:     status,
	}
	if n.ConversationID != "" {
		cid := n.ConversationID
		entry.ConversationID = &cid
	}
	if errText != "" {
		entry.Error = &errText
	}
	if err := repo.AppendNotificationLog(ctx, d.DB, entry); err != nil {
		// The log is the audit trail; a write failure is worth a loud line
		// but must not abort remaining attempts.
		log.Error().Err(err).
			Str("property_id", n.PropertyID).
			Str("channel", channel).
			Str("event", n.Event).
			Msg("notification log write failed")
	}
	dispatchTotal.WithLabelValues(channel, status).Inc()
}

// splitRecipients parses the comma-separated recipient list.
func splitRecipients(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
