package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alanyoungcy/bidround/internal/crypto"
)

// WebhookSender posts the raw event JSON to an HTTP endpoint, signed with
// HMAC-SHA256 so receivers can authenticate it (see crypto.WebhookAuth).
type WebhookSender struct {
	url    string
	auth   *crypto.WebhookAuth
	client *http.Client
	nowFn  func() time.Time
}

// NewWebhookSender creates a WebhookSender. A nil auth sends unsigned
// requests.
func NewWebhookSender(url string, auth *crypto.WebhookAuth) *WebhookSender {
	return &WebhookSender{
		url:    url,
		auth:   auth,
		client: &http.Client{Timeout: defaultTimeout},
		nowFn:  time.Now,
	}
}

// Send posts msg.Event.
func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}
	var headers map[string]string
	if w.auth != nil {
		headers = w.auth.HeadersAt(body, w.nowFn().Unix())
	}
	if err := postJSON(ctx, w.client, w.url, body, headers); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string {
	return "webhook"
}
