// Package notify delivers warm-lead alerts to human-facing channels.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/domain"
)

// Payload is the wire form of an alert shared by every channel.
type Payload struct {
	ID              string    `json:"id"`
	OrgID           string    `json:"org_id"`
	Kind            string    `json:"kind"`
	LeadID          string    `json:"lead_id"`
	LeadName        string    `json:"lead_name"`
	ContactID       string    `json:"contact_id"`
	ContactName     string    `json:"contact_name"`
	ContactEmail    string    `json:"contact_email"`
	ActivityID      string    `json:"activity_id"`
	Stage           string    `json:"stage"`
	Vertical        string    `json:"vertical"`
	Role            string    `json:"role"`
	PainPoint       string    `json:"pain_point,omitempty"`
	BestContactTime string    `json:"best_contact_time,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// NewPayload converts a domain alert.
func NewPayload(a domain.Alert) Payload {
	return Payload{
		ID:              a.ID,
		OrgID:           a.OrgID,
		Kind:            string(a.Kind),
		LeadID:          a.LeadID,
		LeadName:        a.LeadName,
		ContactID:       a.ContactID,
		ContactName:     a.ContactName,
		ContactEmail:    a.ContactEmail,
		ActivityID:      a.ActivityID,
		Stage:           a.Stage,
		Vertical:        string(a.Vertical),
		Role:            string(a.Role),
		PainPoint:       a.PainPoint,
		BestContactTime: a.BestContactTime,
		Notes:           a.Notes,
		OccurredAt:      a.OccurredAt.UTC(),
	}
}

var kindHeadlines = map[domain.AlertKind]string{
	domain.AlertOpened:         "opened your email",
	domain.AlertClicked:        "clicked a link",
	domain.AlertCallInterested: "is interested after a call",
	domain.AlertCallCallback:   "asked for a callback",
}

// Summary renders a one-line human description of a.
func Summary(a domain.Alert) string {
	who := strings.TrimSpace(a.ContactName)
	if who == "" {
		who = a.ContactEmail
	}
	if who == "" {
		who = "A contact"
	}
	headline, ok := kindHeadlines[a.Kind]
	if !ok {
		headline = string(a.Kind)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", who, headline)
	if a.LeadName != "" {
		fmt.Fprintf(&b, " (%s)", a.LeadName)
	}
	if a.PainPoint != "" {
		fmt.Fprintf(&b, ". Lead with: %s", a.PainPoint)
	}
	if a.BestContactTime != "" {
		fmt.Fprintf(&b, ". Best time: %s", a.BestContactTime)
	}
	if a.Notes != "" {
		fmt.Fprintf(&b, ". Notes: %s", a.Notes)
	}
	return b.String()
}
