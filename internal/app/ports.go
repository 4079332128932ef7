package app

import (
	"context"
	"time"

	"github.com/hylla/outreach/internal/domain"
)

// Repository is the transactional store behind the engine. ClaimQueueItems
// provides mutual exclusion with a conditional status update rather than an
// in-process lock. CreateCampaign is idempotent per (lead, contact, profile
// hash): it returns the stored campaign and whether this call created it.
type Repository interface {
	UpsertLead(context.Context, domain.Lead) error
	GetLead(context.Context, string) (domain.Lead, error)
	ListLeads(context.Context, LeadFilter) ([]domain.Lead, error)

	UpsertContact(context.Context, domain.Contact) error
	GetContact(context.Context, string) (domain.Contact, error)
	FindContactByEmail(context.Context, string, string) (domain.Contact, error)
	ListContacts(context.Context, []string) ([]domain.Contact, error)
	AdvanceContactStatus(context.Context, string, domain.ResponseStatus, time.Time) (bool, error)

	CreateCampaign(context.Context, domain.Campaign) (domain.Campaign, bool, error)
	ListCampaigns(context.Context, string) ([]domain.Campaign, error)
	ListCampaignActivities(context.Context, string) ([]domain.Activity, error)
	CreatePlannedSends(context.Context, []PlannedRecord) (int, error)

	GetActivity(context.Context, string) (domain.Activity, error)
	GetActivityByToken(context.Context, string) (domain.Activity, error)
	UpdateActivity(context.Context, domain.Activity, int) error

	ListDueBacklog(context.Context, string, time.Time) ([]OrgBacklog, error)
	ClaimQueueItems(context.Context, ClaimRequest) ([]domain.QueueItem, error)
	CompleteSend(context.Context, SendCommit) error
	ReleaseQueueItem(context.Context, QueueRelease) error
	ReapStaleClaims(context.Context, time.Time, time.Time) (int, error)
	ListQueueItems(context.Context, QueueFilter) ([]domain.QueueItem, error)

	CreateAlert(context.Context, domain.Alert) error
	ListAlerts(context.Context, AlertFilter) ([]domain.Alert, error)

	ConsumeQuota(context.Context, QuotaRequest) (int, error)
	ReleaseQuota(context.Context, QuotaRequest) error
}

// LeadFilter narrows ListLeads.
type LeadFilter struct {
	OrgID string
	Limit int
}

// PlannedRecord is one activity plus its queue item, created together or not at all.
type PlannedRecord struct {
	Activity domain.Activity
	Item     domain.QueueItem
}

// OrgBacklog counts the pending items of one organization that are due.
type OrgBacklog struct {
	OrgID string
	Due   int
}

// ClaimRequest asks the store to reserve up to Limit eligible pending items.
type ClaimRequest struct {
	OrgID string
	Limit int
	Now   time.Time
	Owner string
}

// SendCommit finalizes a successful send: the item becomes sent, the activity
// is written if its version still matches, and the contact is stamped.
type SendCommit struct {
	ItemID          string
	Owner           string
	Activity        domain.Activity
	ExpectedVersion int
	ContactID       string
	ContactedAt     time.Time
	Now             time.Time
}

// QueueRelease returns a claimed item to pending or terminates it as failed.
// Activity is written alongside when set.
type QueueRelease struct {
	ItemID          string
	Owner           string
	Status          domain.QueueStatus
	Attempts        int
	NextEligibleAt  time.Time
	LastError       string
	Now             time.Time
	Activity        *domain.Activity
	ExpectedVersion int
}

// QueueFilter narrows ListQueueItems.
type QueueFilter struct {
	OrgID  string
	Status domain.QueueStatus
	Limit  int
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	OrgID string
	Since time.Time
	Limit int
}

// QuotaRequest consumes or returns send quota from an (org, window) counter.
type QuotaRequest struct {
	OrgID       string
	WindowStart time.Time
	Amount      int
	Limit       int
}

// Content is the rendered message returned by the content collaborator.
type Content struct {
	Subject string
	Body    string
}

// ContentGenerator renders a template with bound variables.
type ContentGenerator interface {
	Generate(ctx context.Context, templateID string, vars map[string]string) (Content, error)
}

// Message is one outbound email handed to the transport.
type Message struct {
	ActivityID    string
	To            string
	ToName        string
	FromName      string
	Subject       string
	TextBody      string
	HTMLBody      string
	TrackingToken string
	// OpensTracked and ClicksTracked report whether HTMLBody already carries
	// our pixel and rewritten links.
	OpensTracked  bool
	ClicksTracked bool
}

// SendReceipt is the transport's acknowledgement.
type SendReceipt struct {
	MessageID string
}

// Transport delivers messages.
type Transport interface {
	Send(ctx context.Context, msg Message) (SendReceipt, error)
}

// Notifier delivers alerts to a human-facing channel.
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

// Logger is the structured logger used by the service.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
