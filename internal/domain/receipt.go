// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// MessageReceipt records a previously processed message POST, keyed by
// (conversation_id, key). It lets clients retry a send (network flake, widget
// reload) without appending the same message twice; the stored message id is
// replayed instead of re-executing the write.
type MessageReceipt struct {
	ID             string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ConversationID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_conv_receipt_key,priority:1"`
	Key            string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_conv_receipt_key,priority:2"`
	MessageID      string    `gorm:"type:TEXT NOT NULL"`
	Status         int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt      time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (MessageReceipt) TableName() string { return "message_receipts" }
