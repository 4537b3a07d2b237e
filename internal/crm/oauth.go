// OAuth2 authorization-code-with-PKCE flow, scoped per property.
//
// Start persists a single pending handshake record (CSRF nonce + PKCE
// verifier + ten-minute expiry) on the property's credential row and returns
// the browser redirect URL. The callback consumes that record exactly once:
// it is cleared before the token exchange runs, so replaying the same
// code/state fails no matter how the first attempt ended.
package crm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/repo"
	"github.com/havenpath/chat-backend/internal/secrets"
)

// pendingTTL is how long an authorization attempt stays redeemable.
const pendingTTL = 10 * time.Minute

// Connector drives the OAuth handshake and credential persistence.
type Connector struct {
	DB    *gorm.DB
	Codec *secrets.Codec
	// OAuth carries client id/secret, endpoints, and redirect URL.
	OAuth *oauth2.Config

	// now is swappable for tests.
	now func() time.Time
}

// NewConnector wires a Connector with the real clock.
func NewConnector(db *gorm.DB, codec *secrets.Codec, cfg *oauth2.Config) *Connector {
	return &Connector{DB: db, Codec: codec, OAuth: cfg, now: time.Now}
}

// StartAuthorization begins the handshake for a property and returns the
// authorization URL to redirect the tenant's browser to. The PKCE verifier
// and CSRF nonce are persisted as the property's single pending record,
// replacing any earlier unfinished attempt.
func (c *Connector) StartAuthorization(ctx context.Context, propertyID string) (string, error) {
	verifier := oauth2.GenerateVerifier()
	nonce := uuid.NewString()

	expires := c.now().UTC().Add(pendingTTL)
	if err := repo.SetPendingOAuthState(ctx, c.DB, propertyID, nonce, verifier, expires); err != nil {
		return "", err
	}

	state := propertyID + ":" + nonce
	return c.OAuth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// ParseState splits a callback state into property id and CSRF nonce.
func ParseState(state string) (propertyID, nonce string, err error) {
	parts := strings.SplitN(state, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrBadState
	}
	return parts[0], parts[1], nil
}

// CompleteAuthorization redeems a callback. The pending record is consumed
// (cleared) before any validation outcome is acted on; CSRF mismatch and
// expiry are fatal for this attempt only, leaving the property free to start
// a fresh handshake.
func (c *Connector) CompleteAuthorization(ctx context.Context, state, code string) error {
	propertyID, nonce, err := ParseState(state)
	if err != nil {
		return err
	}

	storedNonce, verifier, expiresAt, err := repo.ConsumePendingOAuthState(ctx, c.DB, propertyID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrStateAlreadyUsed
		}
		return err
	}
	if storedNonce != nonce {
		return ErrStateMismatch
	}
	if c.now().UTC().After(expiresAt) {
		return ErrStateExpired
	}

	tok, err := c.OAuth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}

	return c.persistToken(ctx, propertyID, tok)
}

// persistToken encrypts and stores a token set under the credential's
// optimistic version. The instance URL rides along as a token extra on
// CRM-style token endpoints; the token endpoint host is the fallback.
func (c *Connector) persistToken(ctx context.Context, propertyID string, tok *oauth2.Token) error {
	encAccess, err := c.Codec.Encrypt(tok.AccessToken)
	if err != nil {
		return err
	}
	encRefresh, err := c.Codec.Encrypt(tok.RefreshToken)
	if err != nil {
		return err
	}

	instanceURL := ""
	if v, ok := tok.Extra("instance_url").(string); ok {
		instanceURL = v
	}
	if instanceURL == "" {
		instanceURL = strings.TrimSuffix(c.OAuth.Endpoint.TokenURL, "/services/oauth2/token")
	}

	var expires *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expires = &e
	}

	cred, err := repo.GetCredential(ctx, c.DB, propertyID)
	if err != nil {
		return err
	}
	rotated, err := repo.RotateCredentialTokens(ctx, c.DB, propertyID, cred.Version, encAccess, encRefresh, instanceURL, expires)
	if err != nil {
		return err
	}
	if !rotated {
		// A concurrent writer bumped the version between read and update;
		// retry once against the fresh version.
		cred, err = repo.GetCredential(ctx, c.DB, propertyID)
		if err != nil {
			return err
		}
		if _, err := repo.RotateCredentialTokens(ctx, c.DB, propertyID, cred.Version, encAccess, encRefresh, instanceURL, expires); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect removes the property's stored CRM credential. Future exports
// fail with ErrNotConnected until the property re-authorizes.
func (c *Connector) Disconnect(ctx context.Context, propertyID string) error {
	return repo.DeleteCredential(ctx, c.DB, propertyID)
}
