// Package services defines the business logic for conversations, handoff,
// lead extraction, trigger evaluation, and CRM export. This file centralizes
// common service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrPropertyNotFound indicates the requested property does not exist.
	ErrPropertyNotFound = errors.New("property not found")

	// ErrConversationNotFound indicates the requested conversation does not
	// exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrVisitorNotFound indicates the requested visitor does not exist.
	ErrVisitorNotFound = errors.New("visitor not found")

	// ErrConversationClosed is returned when a message is posted to, or an
	// operation is attempted on, a closed conversation.
	ErrConversationClosed = errors.New("conversation is closed")

	// ErrEmptyMessage is returned when a message body is empty after
	// trimming.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when a message exceeds the configured maximum
	// length.
	ErrTooLong = errors.New("message too long")

	// ErrNoQueuedReply is returned when a queue operation targets a
	// conversation with no queued AI reply.
	ErrNoQueuedReply = errors.New("no queued reply")

	// ErrQueuePaused is returned when delivery of a queued reply is
	// requested while the queue is paused.
	ErrQueuePaused = errors.New("queued reply is paused")
)
