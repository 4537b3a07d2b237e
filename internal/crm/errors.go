// Package crm integrates with the external CRM: OAuth2 authorization-code
// with PKCE, encrypted credential storage, token refresh, and Lead creation
// over the CRM's REST API.
//
// This file centralizes the connector's error values so callers can branch
// on them and map them to tenant-facing status (e.g. "CRM disconnected")
// instead of crashing the chat path.
package crm

import "errors"

var (
	// ErrNotConnected indicates the property has no usable CRM credential.
	ErrNotConnected = errors.New("crm not connected")

	// ErrBadState is returned when an OAuth callback state cannot be parsed.
	ErrBadState = errors.New("oauth state is malformed")

	// ErrStateMismatch is returned when the callback's CSRF nonce does not
	// match the pending handshake record.
	ErrStateMismatch = errors.New("oauth state mismatch")

	// ErrStateExpired is returned when the pending handshake record is past
	// its ten-minute window.
	ErrStateExpired = errors.New("oauth state expired")

	// ErrStateAlreadyUsed is returned when no pending handshake exists for
	// the property, usually a replay of an already-redeemed
	// callback. Distinct from ErrStateMismatch so replays are tellable from
	// fresh invalid-state attempts.
	ErrStateAlreadyUsed = errors.New("oauth state already used")

	// ErrUnauthorized indicates the CRM rejected the access token and the
	// refresh path also failed; the tenant must reconnect.
	ErrUnauthorized = errors.New("crm authorization failed")
)
