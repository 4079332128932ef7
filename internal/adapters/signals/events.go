// Package signals decodes relayed engagement events from email transports.
package signals

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/app"
)

// ErrEmptyPayload reports a body with no events.
var ErrEmptyPayload = errors.New("signal payload is empty")

// Event is one relayed webhook event. Both the native shape
// ({token, type, observed_at}) and the SendGrid event shape
// ({tracking_token, event, timestamp}) are accepted.
type Event struct {
	Token         string          `json:"token"`
	TrackingToken string          `json:"tracking_token"`
	Type          string          `json:"type"`
	Event         string          `json:"event"`
	ObservedAt    string          `json:"observed_at"`
	Timestamp     json.RawMessage `json:"timestamp"`
}

// Input converts e into a tracker input. A missing or unparseable time is left
// zero so the tracker substitutes its own clock.
func (e Event) Input() app.SignalInput {
	token := strings.TrimSpace(e.Token)
	if token == "" {
		token = strings.TrimSpace(e.TrackingToken)
	}
	kind := strings.TrimSpace(e.Type)
	if kind == "" {
		kind = strings.TrimSpace(e.Event)
	}
	return app.SignalInput{Token: token, Type: kind, ObservedAt: e.observedAt()}
}

func (e Event) observedAt() time.Time {
	if raw := strings.TrimSpace(e.ObservedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
	}
	if len(e.Timestamp) == 0 {
		return time.Time{}
	}
	var unix int64
	if err := json.Unmarshal(e.Timestamp, &unix); err == nil && unix > 0 {
		return time.Unix(unix, 0).UTC()
	}
	var text string
	if err := json.Unmarshal(e.Timestamp, &text); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Decode parses a JSON array of events or a single event object.
func Decode(data []byte) ([]app.SignalInput, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var events []Event
	if data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode signal batch: %w", err)
		}
	} else {
		var one Event
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("decode signal: %w", err)
		}
		events = []Event{one}
	}
	out := make([]app.SignalInput, 0, len(events))
	for _, e := range events {
		out = append(out, e.Input())
	}
	return out, nil
}
