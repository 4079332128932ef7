// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a lost optimistic-concurrency race the caller may retry.
var ErrConflict = errors.New("conflict")

// ErrUnavailable reports a surface whose backing collaborator is not configured.
var ErrUnavailable = errors.New("unavailable")

// SignalRequest is one engagement event addressed by tracking token.
type SignalRequest struct {
	Token      string    `json:"token"`
	Type       string    `json:"type"`
	ObservedAt time.Time `json:"observed_at,omitzero"`
}

// SignalResult reports what one signal did. It never reveals whether a token exists.
type SignalResult struct {
	Applied bool   `json:"applied"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Alerted bool   `json:"alerted"`
}

// SignalBatchResult counts outcomes of a signal batch.
type SignalBatchResult struct {
	Received int `json:"received"`
	Applied  int `json:"applied"`
	Ignored  int `json:"ignored"`
	Alerts   int `json:"alerts"`
	Errors   int `json:"errors"`
}

// ContactInput is one contact attached to an ingested lead.
type ContactInput struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
	Email string `json:"email"`
}

// IngestLeadRequest creates or updates one lead.
type IngestLeadRequest struct {
	ID         string         `json:"id,omitempty"`
	OrgID      string         `json:"org_id"`
	Name       string         `json:"name"`
	Categories []string       `json:"categories,omitempty"`
	Value      int64          `json:"value,omitempty"`
	Units      int            `json:"units,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	City       string         `json:"city,omitempty"`
	State      string         `json:"state,omitempty"`
	Score      int            `json:"score,omitempty"`
	Contacts   []ContactInput `json:"contacts,omitempty"`
}

// Contact is the transport view of one contact.
type Contact struct {
	ID              string     `json:"id"`
	Name            string     `json:"name,omitempty"`
	Title           string     `json:"title,omitempty"`
	Email           string     `json:"email"`
	ResponseStatus  string     `json:"response_status"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
}

// Lead is the transport view of one lead with its contacts.
type Lead struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Name       string    `json:"name"`
	Categories []string  `json:"categories"`
	Value      int64     `json:"value"`
	Units      int       `json:"units"`
	Stage      string    `json:"stage,omitempty"`
	City       string    `json:"city,omitempty"`
	State      string    `json:"state,omitempty"`
	Score      int       `json:"score"`
	Contacts   []Contact `json:"contacts"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RoleProfile describes one contact's role psychology.
type RoleProfile struct {
	ContactID          string   `json:"contact_id"`
	Role               string   `json:"role"`
	Authority          string   `json:"authority"`
	BusinessConcerns   []string `json:"business_concerns"`
	PersonalMotivators []string `json:"personal_motivators"`
	BestContactTime    string   `json:"best_contact_time,omitempty"`
}

// LeadProfile is the derived classification of one lead.
type LeadProfile struct {
	LeadID       string        `json:"lead_id"`
	Vertical     string        `json:"vertical"`
	BaseCategory string        `json:"base_category,omitempty"`
	Refined      bool          `json:"refined"`
	Degraded     bool          `json:"degraded"`
	Phase        string        `json:"phase"`
	Hash         string        `json:"hash"`
	Contacts     []RoleProfile `json:"contacts"`
}

// PlannedActivity summarizes one activity created by planning.
type PlannedActivity struct {
	ActivityID string `json:"activity_id"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
	Stage      string `json:"stage"`
	TemplateID string `json:"template_id"`
	Level      string `json:"template_level"`
	Priority   int    `json:"priority"`
}

// PlanReport aggregates one planning run.
type PlanReport struct {
	Leads            int               `json:"leads"`
	CampaignsStarted int               `json:"campaigns_started"`
	Planned          int               `json:"planned"`
	Skipped          int               `json:"skipped"`
	Degraded         int               `json:"degraded"`
	Errors           int               `json:"errors"`
	Activities       []PlannedActivity `json:"activities"`
}

// PlanRequest asks for planning of one lead or of every lead in an org.
type PlanRequest struct {
	LeadID string `json:"lead_id,omitempty"`
	OrgID  string `json:"org_id,omitempty"`
}

// DispatchRequest asks for one dispatch batch.
type DispatchRequest struct {
	OrgID string `json:"org_id,omitempty"`
	Cap   int    `json:"cap,omitempty"`
}

// DispatchItem is the per-item dispatch result.
type DispatchItem struct {
	ItemID       string     `json:"item_id"`
	ActivityID   string     `json:"activity_id"`
	Outcome      string     `json:"outcome"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error,omitempty"`
	NextAt       *time.Time `json:"next_at,omitempty"`
	CommitFailed bool       `json:"commit_failed,omitempty"`
}

// DispatchReport aggregates one dispatch batch. CommitFailed counts sent items
// whose completion was not stored and that may be delivered again.
type DispatchReport struct {
	OrgID        string         `json:"org_id,omitempty"`
	Claimed      int            `json:"claimed"`
	Sent         int            `json:"sent"`
	Failed       int            `json:"failed"`
	Retried      int            `json:"retried"`
	Skipped      int            `json:"skipped"`
	Throttled    int            `json:"throttled"`
	CommitFailed int            `json:"commit_failed"`
	Items        []DispatchItem `json:"items"`
}

// ReapResult reports reclaimed stale claims.
type ReapResult struct {
	Reaped int `json:"reaped"`
}

// ListQueueRequest filters queue listings.
type ListQueueRequest struct {
	OrgID  string
	Status string
	Limit  int
}

// QueueItem is the transport view of one queue item.
type QueueItem struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	ActivityID     string     `json:"activity_id"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// ListAlertsRequest filters alert listings.
type ListAlertsRequest struct {
	OrgID string
	Since time.Time
	Limit int
}

// Alert is the transport view of one warm-lead alert.
type Alert struct {
	ID              string    `json:"id"`
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

// Activity is the transport view of one outreach activity. The tracking token
// is deliberately absent.
type Activity struct {
	ID            string     `json:"id"`
	CampaignID    string     `json:"campaign_id"`
	LeadID        string     `json:"lead_id"`
	ContactID     string     `json:"contact_id"`
	Stage         string     `json:"stage"`
	StageType     string     `json:"stage_type"`
	TemplateID    string     `json:"template_id"`
	Status        string     `json:"status"`
	Version       int        `json:"version"`
	Subject       string     `json:"subject,omitempty"`
	MessageID     string     `json:"message_id,omitempty"`
	CallOutcome   string     `json:"call_outcome,omitempty"`
	CallNotes     string     `json:"call_notes,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	ClickedAt     *time.Time `json:"clicked_at,omitempty"`
	BouncedAt     *time.Time `json:"bounced_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

// CallOutcomeRequest records the result of a follow-up call.
type CallOutcomeRequest struct {
	ActivityID string `json:"activity_id,omitempty"`
	Outcome    string `json:"outcome"`
	Notes      string `json:"notes,omitempty"`
}

// SignalRecorder ingests engagement signals. It is the only surface the
// public tracking endpoints need.
type SignalRecorder interface {
	RecordSignal(context.Context, SignalRequest) (SignalResult, error)
	RecordSignals(context.Context, []SignalRequest) (SignalBatchResult, error)
}

// OutreachService is the operator surface shared by the HTTP API and MCP tools.
type OutreachService interface {
	SignalRecorder
	IngestLead(context.Context, IngestLeadRequest) (Lead, error)
	PlanLead(context.Context, string) (PlanReport, error)
	PlanAll(context.Context, string) (PlanReport, error)
	DispatchBatch(context.Context, DispatchRequest) (DispatchReport, error)
	ReapStaleClaims(context.Context) (ReapResult, error)
	ListQueue(context.Context, ListQueueRequest) ([]QueueItem, error)
	ListAlerts(context.Context, ListAlertsRequest) ([]Alert, error)
	GetActivity(context.Context, string) (Activity, error)
	LogCallOutcome(context.Context, CallOutcomeRequest) (Activity, error)
	LeadProfile(context.Context, string) (LeadProfile, error)
}
