package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmailChannel delivers through a transactional email HTTP API.
type EmailChannel struct {
	APIURL string
	APIKey string
	From   string
	HTTP   *http.Client
}

// NewEmailChannel builds the channel with a bounded default transport.
func NewEmailChannel(apiURL, apiKey, from string) *EmailChannel {
	return &EmailChannel{
		APIURL: apiURL,
		APIKey: apiKey,
		From:   from,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Channel.
func (c *EmailChannel) Name() string { return ChannelEmail }

// Send posts one message to the transactional API.
func (c *EmailChannel) Send(ctx context.Context, recipient string, n Notification) error {
	if c.APIURL == "" || c.APIKey == "" {
		return fmt.Errorf("email channel not configured")
	}
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("missing recipient")
	}

	body, err := json.Marshal(map[string]any{
		"from":    c.From,
		"to":      []string{recipient},
		"subject": n.Subject,
		"text":    n.Body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.APIURL, "/")+"/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	httpc := c.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("email send failed: status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
