package domain

import (
	"slices"
	"strings"
	"time"
)

// AlertKind names the warm signal that produced an alert.
type AlertKind string

const (
	AlertOpened         AlertKind = "opened"
	AlertClicked        AlertKind = "clicked"
	AlertCallInterested AlertKind = "call_interested"
	AlertCallCallback   AlertKind = "call_callback"
)

var validAlertKinds = []AlertKind{AlertOpened, AlertClicked, AlertCallInterested, AlertCallCallback}

func ParseAlertKind(raw string) (AlertKind, error) {
	kind := AlertKind(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validAlertKinds, kind) {
		return "", ErrInvalidAlertKind
	}
	return kind, nil
}

// Alert is the structured payload handed to the human notification channel.
type Alert struct {
	ID              string
	OrgID           string
	Kind            AlertKind
	LeadID          string
	LeadName        string
	ContactID       string
	ContactName     string
	ContactEmail    string
	ActivityID      string
	Stage           string
	Vertical        Vertical
	Role            Role
	PainPoint       string
	BestContactTime string
	Notes           string
	OccurredAt      time.Time
	CreatedAt       time.Time
}

type AlertInput struct {
	ID              string
	OrgID           string
	Kind            AlertKind
	LeadID          string
	LeadName        string
	ContactID       string
	ContactName     string
	ContactEmail    string
	ActivityID      string
	Stage           string
	Vertical        Vertical
	Role            Role
	PainPoint       string
	BestContactTime string
	Notes           string
	OccurredAt      time.Time
}

func NewAlert(in AlertInput, now time.Time) (Alert, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.ActivityID = strings.TrimSpace(in.ActivityID)
	if in.ID == "" || in.ActivityID == "" || strings.TrimSpace(in.OrgID) == "" {
		return Alert{}, ErrInvalidID
	}
	if !slices.Contains(validAlertKinds, in.Kind) {
		return Alert{}, ErrInvalidAlertKind
	}
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	return Alert{
		ID:              in.ID,
		OrgID:           strings.TrimSpace(in.OrgID),
		Kind:            in.Kind,
		LeadID:          strings.TrimSpace(in.LeadID),
		LeadName:        strings.TrimSpace(in.LeadName),
		ContactID:       strings.TrimSpace(in.ContactID),
		ContactName:     strings.TrimSpace(in.ContactName),
		ContactEmail:    strings.TrimSpace(in.ContactEmail),
		ActivityID:      in.ActivityID,
		Stage:           strings.TrimSpace(in.Stage),
		Vertical:        in.Vertical,
		Role:            in.Role,
		PainPoint:       strings.TrimSpace(in.PainPoint),
		BestContactTime: strings.TrimSpace(in.BestContactTime),
		Notes:           strings.TrimSpace(in.Notes),
		OccurredAt:      occurred.UTC(),
		CreatedAt:       now.UTC(),
	}, nil
}

// Summary renders a one-line operator headline.
func (a Alert) Summary() string {
	who := a.ContactName
	if who == "" {
		who = a.ContactEmail
	}
	if who == "" {
		who = "contact " + a.ContactID
	}
	project := a.LeadName
	if project == "" {
		project = "lead " + a.LeadID
	}
	switch a.Kind {
	case AlertOpened:
		return "Warm signal: " + who + " opened the " + project + " email"
	case AlertClicked:
		return "Warm signal: " + who + " clicked through on " + project
	case AlertCallInterested:
		return "Call outcome: " + who + " is interested in " + project
	case AlertCallCallback:
		return "Call outcome: " + who + " asked for a callback on " + project
	default:
		return "Warm signal for " + project
	}
}
