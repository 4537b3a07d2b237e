// Package notify fans notifications out to the configured channels and keeps
// the durable per-attempt audit trail.
//
// Channels are a closed, extensible set (email, chat-ops webhook, in-app
// log) behind one Send contract, so dispatch call sites never branch on the
// channel kind and adding a channel never touches them.
package notify

import "context"

// Channel names as recorded on NotificationLogEntry.Channel.
const (
	ChannelEmail   = "email"
	ChannelChatOps = "chatops"
	ChannelInApp   = "in_app"
)

// Events dispatched by this core.
const (
	EventPhoneSubmission = "phone_submission"
	EventExportFailed    = "export_failed"
	EventEscalation      = "escalation"
)

// Notification is one deliverable payload. Recipient routing is the
// dispatcher's job; channels only format and send.
type Notification struct {
	PropertyID     string
	ConversationID string
	Event          string
	Subject        string
	Body           string
}

// Channel is the uniform send contract. Implementations must be safe for
// concurrent use and bound their own transport timeouts; a returned error is
// recorded as a failed attempt and never blocks other channels or
// recipients.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient string, n Notification) error
}
