// CRM REST client: bearer-token Lead creation with a single
// refresh-and-retry on 401.
//
// Refresh discipline (two concurrent 401s on the same property must not both
// rotate tokens): a per-property mutex serializes the refresh, and the
// credential row's optimistic version detects a rotation that happened while
// waiting. The second refresher just decrypts the now-current token and
// retries with it.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/havenpath/chat-backend/internal/domain"
	"github.com/havenpath/chat-backend/internal/repo"
	"github.com/havenpath/chat-backend/internal/secrets"
)

// Client creates Lead records in the external CRM.
type Client struct {
	DB    *gorm.DB
	Codec *secrets.Codec
	OAuth *oauth2.Config

	// APIVersion selects the REST path segment, e.g. "v58.0".
	APIVersion string
	// HTTP is the transport used for sobjects calls; a bounded-timeout
	// default is applied when nil.
	HTTP *http.Client

	mu        sync.Mutex
	refreshMu map[string]*sync.Mutex
}

// NewClient constructs a CRM REST client with a bounded default transport.
func NewClient(db *gorm.DB, codec *secrets.Codec, cfg *oauth2.Config, apiVersion string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		DB:         db,
		Codec:      codec,
		OAuth:      cfg,
		APIVersion: apiVersion,
		HTTP:       &http.Client{Timeout: timeout},
		refreshMu:  make(map[string]*sync.Mutex),
	}
}

// Status summarizes a property's connection for tenant-facing indicators.
type Status struct {
	Connected   bool       `json:"connected"`
	InstanceURL string     `json:"instance_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ConnectionStatus reports whether a property currently holds tokens.
func (c *Client) ConnectionStatus(ctx context.Context, propertyID string) (Status, error) {
	cred, err := repo.GetCredential(ctx, c.DB, propertyID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return Status{}, nil
		}
		return Status{}, err
	}
	return Status{
		Connected:   cred.Connected(),
		InstanceURL: cred.InstanceURL,
		ExpiresAt:   cred.ExpiresAt,
	}, nil
}

// CreateLead posts a Lead sobject for the property and returns the created
// CRM record id. On a 401 it refreshes the token once and retries exactly
// once before surfacing the failure.
func (c *Client) CreateLead(ctx context.Context, propertyID string, fields map[string]any) (string, error) {
	cred, err := repo.GetCredential(ctx, c.DB, propertyID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", ErrNotConnected
		}
		return "", err
	}
	if !cred.Connected() {
		return "", ErrNotConnected
	}

	access, err := c.Codec.Decrypt(cred.AccessToken)
	if err != nil {
		return "", err
	}

	id, status, err := c.postLead(ctx, cred.InstanceURL, access, fields)
	if err != nil {
		return "", err
	}
	if status != http.StatusUnauthorized {
		return id, nil
	}

	access, cred, err = c.refreshToken(ctx, propertyID, cred)
	if err != nil {
		return "", err
	}
	id, status, err = c.postLead(ctx, cred.InstanceURL, access, fields)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	return id, nil
}

// postLead performs one sobjects create. A 401 is reported via the status
// return, not as an error, so the caller can drive the refresh path.
func (c *Client) postLead(ctx context.Context, instanceURL, accessToken string, fields map[string]any) (string, int, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return "", 0, err
	}
	url := strings.TrimSuffix(instanceURL, "/") + "/services/data/" + c.APIVersion + "/sobjects/Lead"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, res.Body)
		return "", http.StatusUnauthorized, nil
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return "", res.StatusCode, fmt.Errorf("crm create failed: status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", res.StatusCode, err
	}
	if !out.Success && out.ID == "" {
		return "", res.StatusCode, fmt.Errorf("crm create reported failure")
	}
	return out.ID, res.StatusCode, nil
}

// refreshToken exchanges the stored refresh token for a new access token,
// persists the rotated (re-encrypted) pair, and returns the plaintext access
// token. Mutually exclusive per property; a rotation that already happened
// while waiting for the lock is detected via the version counter and reused.
func (c *Client) refreshToken(ctx context.Context, propertyID string, stale *domain.CRMCredential) (string, *domain.CRMCredential, error) {
	lock := c.lockFor(propertyID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := repo.GetCredential(ctx, c.DB, propertyID)
	if err != nil {
		return "", nil, err
	}
	if cred.Version != stale.Version {
		// Someone else rotated while we waited; use the current token.
		access, err := c.Codec.Decrypt(cred.AccessToken)
		if err != nil {
			return "", nil, err
		}
		return access, cred, nil
	}

	refresh, err := c.Codec.Decrypt(cred.RefreshToken)
	if err != nil {
		return "", nil, err
	}
	if refresh == "" {
		return "", nil, ErrNotConnected
	}

	ts := c.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	tok, err := ts.Token()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	encAccess, err := c.Codec.Encrypt(tok.AccessToken)
	if err != nil {
		return "", nil, err
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh // CRM token endpoints often omit it on refresh
	}
	encRefresh, err := c.Codec.Encrypt(newRefresh)
	if err != nil {
		return "", nil, err
	}

	instanceURL := cred.InstanceURL
	if v, ok := tok.Extra("instance_url").(string); ok && v != "" {
		instanceURL = v
	}
	var expires *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expires = &e
	}

	rotated, err := repo.RotateCredentialTokens(ctx, c.DB, propertyID, cred.Version, encAccess, encRefresh, instanceURL, expires)
	if err != nil {
		return "", nil, err
	}
	if !rotated {
		cred, err = repo.GetCredential(ctx, c.DB, propertyID)
		if err != nil {
			return "", nil, err
		}
		access, err := c.Codec.Decrypt(cred.AccessToken)
		if err != nil {
			return "", nil, err
		}
		return access, cred, nil
	}

	cred, err = repo.GetCredential(ctx, c.DB, propertyID)
	if err != nil {
		return "", nil, err
	}
	return tok.AccessToken, cred, nil
}

func (c *Client) lockFor(propertyID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshMu == nil {
		c.refreshMu = make(map[string]*sync.Mutex)
	}
	m, ok := c.refreshMu[propertyID]
	if !ok {
		m = &sync.Mutex{}
		c.refreshMu[propertyID] = m
	}
	return m
}

// Integration bundles the OAuth connector and the REST client behind one
// value for transport wiring. Both sides share the same DB and codec.
type Integration struct {
	*Connector
	*Client
}
