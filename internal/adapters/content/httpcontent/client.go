// Package httpcontent calls the remote content-generation collaborator.
package httpcontent

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

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// Config configures the client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client renders templates through POST {endpoint}/generate.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ app.ContentGenerator = (*Client)(nil)

// New constructs a client. The endpoint is required.
func New(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("content endpoint is required")
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
		endpoint: endpoint,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		client:   client,
	}, nil
}

type generateRequest struct {
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables"`
}

type generateResponse struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Generate asks the collaborator to render templateID with vars.
func (c *Client) Generate(ctx context.Context, templateID string, vars map[string]string) (app.Content, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	payload, err := json.Marshal(generateRequest{TemplateID: templateID, Variables: vars})
	if err != nil {
		return app.Content{}, app.Permanent("generate", fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/generate", bytes.NewReader(payload))
	if err != nil {
		return app.Content{}, app.Permanent("generate", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return app.Content{}, app.Transient("generate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return app.Content{}, app.StatusFailure("generate", resp.StatusCode, string(body))
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return app.Content{}, app.Transient("generate", fmt.Errorf("decode response: %w", err))
	}
	if strings.TrimSpace(out.Body) == "" {
		return app.Content{}, app.Permanent("generate", errors.New("collaborator returned an empty body"))
	}
	return app.Content{Subject: strings.TrimSpace(out.Subject), Body: out.Body}, nil
}
