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

// ChatOpsChannel posts to an incoming webhook (Slack-style). The recipient
// is the webhook URL itself, taken from the property's configuration.
type ChatOpsChannel struct {
	HTTP *http.Client
}

// NewChatOpsChannel builds the channel with a bounded default transport.
func NewChatOpsChannel() *ChatOpsChannel {
	return &ChatOpsChannel{HTTP: &http.Client{Timeout: 10 * time.Second}}
}

// Name implements Channel.
func (c *ChatOpsChannel) Name() string { return ChannelChatOps }

// Send posts {"text": ...} to the webhook URL.
func (c *ChatOpsChannel) Send(ctx context.Context, recipient string, n Notification) error {
	if !strings.HasPrefix(recipient, "http://") && !strings.HasPrefix(recipient, "https://") {
		return fmt.Errorf("invalid webhook url")
	}

	text := n.Subject
	if n.Body != "" {
		text += "\n" + n.Body
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(body))
	if err != nil {
		return err
	}
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
	io.Copy(io.Discard, io.LimitReader(res.Body, 1024))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("webhook post failed: status %d", res.StatusCode)
	}
	return nil
}

// InAppChannel records the notification in the dispatch log only; the
// dashboard reads the log directly, so delivery is the log write itself.
type InAppChannel struct{}

// Name implements Channel.
func (InAppChannel) Name() string { return ChannelInApp }

// Send always succeeds; the dispatcher's log entry is the delivery.
func (InAppChannel) Send(ctx context.Context, recipient string, n Notification) error {
	return nil
}
