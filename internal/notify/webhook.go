package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/propagatehq/propagate/internal/config"
)

// WebhookChannel posts the two fire-and-forget recovery lifecycle events to
// a configured base URL, with optional HMAC-SHA256 request signing.
// Delivery failures are logged by the caller and never surfaced further.
type WebhookChannel struct {
	cfg    config.WebhookNotifyConfig
	client *http.Client
}

// NewWebhook creates a WebhookChannel from cfg.
func NewWebhook(cfg config.WebhookNotifyConfig) *WebhookChannel {
	return &WebhookChannel{cfg: cfg, client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookChannel) Name() string       { return "webhook" }
func (w *WebhookChannel) IsConfigured() bool { return w.cfg.URL != "" }

// Send routes evt to the matching endpoint path under cfg.URL based on
// evt.Type, carrying evt.Metadata plus a "timestamp" field as the JSON body (the caller is
// responsible for populating the exact field set each event type requires).
func (w *WebhookChannel) Send(ctx context.Context, evt Event) error {
	var path string
	switch evt.Type {
	case "pr_opened":
		path = "/api/v1/webhooks/pr-opened"
	case "recovery_complete":
		path = "/api/v1/webhooks/recovery-complete"
	default:
		return fmt.Errorf("webhook: unknown event type %q", evt.Type)
	}

	payload := make(map[string]any, len(evt.Metadata)+1)
	for k, v := range evt.Metadata {
		payload[k] = v
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(w.cfg.URL, "/")+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(w.cfg.Secret))
		mac.Write(b)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Propagate-Signature", "sha256="+sig)
	}
	resp, err := w.client.Do(req) // #nosec G107 -- URL is a user-configured webhook endpoint
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
