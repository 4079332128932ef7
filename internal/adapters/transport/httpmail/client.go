// Package httpmail delivers messages through a SendGrid-style v3 mail API.
package httpmail

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
)

const maxErrorBody = 512

// Config configures the mail API client.
type Config struct {
	Endpoint   string
	APIKey     string
	FromEmail  string
	FromName   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client sends one message per API call.
type Client struct {
	endpoint  string
	apiKey    string
	fromEmail string
	fromName  string
	client    *http.Client
}

var _ app.Transport = (*Client)(nil)

// New constructs a client. Endpoint, API key and sender address are required.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("mail endpoint is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("mail api key is required")
	}
	if strings.TrimSpace(cfg.FromEmail) == "" {
		return nil, errors.New("sender email is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint:  endpoint,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		fromEmail: strings.TrimSpace(cfg.FromEmail),
		fromName:  strings.TrimSpace(cfg.FromName),
		client:    client,
	}, nil
}

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To         []address         `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type contentPart struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type toggle struct {
	Enable bool `json:"enable"`
}

type trackingSettings struct {
	ClickTracking toggle `json:"click_tracking"`
	OpenTracking  toggle `json:"open_tracking"`
}

type mailRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []contentPart     `json:"content"`
	TrackingSettings trackingSettings  `json:"tracking_settings"`
}

// Send posts msg to the mail API. The tracking token travels in custom_args
// so relayed webhook events can be matched back to the activity. Provider
// open and click tracking stay on for whatever the body does not already
// track through our own beacons.
func (c *Client) Send(ctx context.Context, msg app.Message) (app.SendReceipt, error) {
	if strings.TrimSpace(msg.To) == "" {
		return app.SendReceipt{}, app.Permanent("send", errors.New("recipient is required"))
	}
	fromName := c.fromName
	if strings.TrimSpace(msg.FromName) != "" {
		fromName = strings.TrimSpace(msg.FromName)
	}
	body := mailRequest{
		Personalizations: []personalization{{
			To: []address{{Email: msg.To, Name: msg.ToName}},
			CustomArgs: map[string]string{
				"activity_id":    msg.ActivityID,
				"tracking_token": msg.TrackingToken,
			},
		}},
		From:    address{Email: c.fromEmail, Name: fromName},
		Subject: msg.Subject,
		Content: []contentPart{{Type: "text/plain", Value: msg.TextBody}},
		TrackingSettings: trackingSettings{
			ClickTracking: toggle{Enable: !msg.ClicksTracked},
			OpenTracking:  toggle{Enable: !msg.OpensTracked},
		},
	}
	if msg.HTMLBody != "" {
		body.Content = append(body.Content, contentPart{Type: "text/html", Value: msg.HTMLBody})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return app.SendReceipt{}, app.Permanent("send", fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return app.SendReceipt{}, app.Permanent("send", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return app.SendReceipt{}, app.Transient("send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return app.SendReceipt{}, app.StatusFailure("send", resp.StatusCode, string(raw))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	messageID := strings.TrimSpace(resp.Header.Get("X-Message-Id"))
	if messageID == "" {
		messageID = msg.ActivityID
	}
	return app.SendReceipt{MessageID: messageID}, nil
}
