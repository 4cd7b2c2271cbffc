package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atomhq/atom-core/api/schemas"
)

// WebhookAdapter posts notifications as JSON to a fixed URL. It is the
// default production adapter; the receiving side (chat bridge, pager, etc.)
// is outside this module.
type WebhookAdapter struct {
	url    string
	client *http.Client
}

// NewWebhookAdapter creates an adapter with a bounded request timeout so a
// stuck endpoint cannot hang callers.
func NewWebhookAdapter(url string, timeout time.Duration) *WebhookAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAdapter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookAdapter) Send(ctx context.Context, n schemas.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Receive is not supported over a plain webhook; responses arrive through
// the HITL resolve path instead.
func (w *WebhookAdapter) Receive(context.Context) ([]schemas.Notification, error) {
	return nil, nil
}

func (w *WebhookAdapter) Media(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("media retrieval not supported by the webhook adapter")
}

// ChanAdapter delivers notifications to an in-process channel. Used in tests
// and single-binary deployments.
type ChanAdapter struct {
	ch chan schemas.Notification
}

// NewChanAdapter creates an adapter with the given buffer.
func NewChanAdapter(buffer int) *ChanAdapter {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanAdapter{ch: make(chan schemas.Notification, buffer)}
}

// C exposes the delivery channel to the consumer.
func (c *ChanAdapter) C() <-chan schemas.Notification {
	return c.ch
}

func (c *ChanAdapter) Send(ctx context.Context, n schemas.Notification) error {
	select {
	case c.ch <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ChanAdapter) Receive(context.Context) ([]schemas.Notification, error) {
	var out []schemas.Notification
	for {
		select {
		case n := <-c.ch:
			out = append(out, n)
		default:
			return out, nil
		}
	}
}

func (c *ChanAdapter) Media(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("media retrieval not supported by the channel adapter")
}
