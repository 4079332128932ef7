package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
)

// Webhook posts Slack-compatible JSON to an incoming-webhook URL.
type Webhook struct {
	url    string
	client *http.Client
}

var _ app.Notifier = (*Webhook)(nil)

type webhookBody struct {
	Text  string  `json:"text"`
	Alert Payload `json:"alert"`
}

// NewWebhook constructs a webhook notifier. A nil client uses a 10s timeout.
func NewWebhook(url string, client *http.Client) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, client: client}, nil
}

// Notify posts one alert.
func (w *Webhook) Notify(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(webhookBody{Text: Summary(alert), Alert: NewPayload(alert)})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
