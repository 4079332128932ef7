package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/catalog"
	"github.com/hylla/outreach/internal/classify"
	"github.com/hylla/outreach/internal/domain"
	"github.com/hylla/outreach/internal/tracking"
)

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// ServiceConfig holds collaborators and tuning for the service.
type ServiceConfig struct {
	Catalog         *catalog.Store
	Classifier      *classify.Memo
	Content         ContentGenerator
	Transport       Transport
	Notifier        Notifier
	Logger          Logger
	Dispatch        DispatchConfig
	SendWindow      SendWindow
	Planner         PlannerConfig
	TrackingBaseURL string
	LinkSigner      *tracking.Signer
	SenderName      string
	InstanceID      string
	// Jitter returns a value in [0, 1); nil uses math/rand.
	Jitter func() float64
}

// Service orchestrates planning, dispatch, tracking and alerting.
type Service struct {
	repo            Repository
	idGen           IDGenerator
	clock           Clock
	catalog         *catalog.Store
	classifier      *classify.Memo
	content         ContentGenerator
	transport       Transport
	notifier        Notifier
	logger          Logger
	dispatch        DispatchConfig
	window          SendWindow
	planner         PlannerConfig
	trackingBaseURL string
	linkSigner      *tracking.Signer
	senderName      string
	instanceID      string
	jitter          func() float64
}

// NewService constructs a new value for this package.
func NewService(repo Repository, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.NewStore(nil)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.NewMemo(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	if cfg.Jitter == nil {
		cfg.Jitter = rand.Float64
	}
	if strings.TrimSpace(cfg.InstanceID) == "" {
		cfg.InstanceID = "outreach"
	}
	return &Service{
		repo:            repo,
		idGen:           idGen,
		clock:           clock,
		catalog:         cfg.Catalog,
		classifier:      cfg.Classifier,
		content:         cfg.Content,
		transport:       cfg.Transport,
		notifier:        cfg.Notifier,
		logger:          cfg.Logger,
		dispatch:        cfg.Dispatch.withDefaults(),
		window:          cfg.SendWindow,
		planner:         cfg.Planner.withDefaults(),
		trackingBaseURL: strings.TrimRight(strings.TrimSpace(cfg.TrackingBaseURL), "/"),
		linkSigner:      cfg.LinkSigner,
		senderName:      strings.TrimSpace(cfg.SenderName),
		instanceID:      strings.TrimSpace(cfg.InstanceID),
		jitter:          cfg.Jitter,
	}
}

// IngestLeadInput holds a lead and the contacts attached to it.
type IngestLeadInput struct {
	Lead     domain.LeadInput
	Contacts []domain.ContactInput
}

// IngestLead creates or updates a lead and its contacts. Contacts are matched
// by email within the organization so many leads can share one contact.
func (s *Service) IngestLead(ctx context.Context, in IngestLeadInput) (domain.Lead, []domain.Contact, error) {
	now := s.clock()
	orgID := strings.TrimSpace(in.Lead.OrgID)
	if orgID == "" {
		return domain.Lead{}, nil, domain.ErrInvalidID
	}
	contacts := make([]domain.Contact, 0, len(in.Contacts))
	ids := make([]string, 0, len(in.Contacts))
	for _, ci := range in.Contacts {
		ci.OrgID = orgID
		contact, err := s.resolveContact(ctx, ci, now)
		if err != nil {
			return domain.Lead{}, nil, fmt.Errorf("contact %q: %w", ci.Email, err)
		}
		if err := s.repo.UpsertContact(ctx, contact); err != nil {
			return domain.Lead{}, nil, err
		}
		contacts = append(contacts, contact)
		ids = append(ids, contact.ID)
	}

	leadIn := in.Lead
	if strings.TrimSpace(leadIn.ID) == "" {
		leadIn.ID = s.idGen()
	}
	existing, err := s.repo.GetLead(ctx, strings.TrimSpace(leadIn.ID))
	found := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Lead{}, nil, err
	}
	if found {
		leadIn.ContactIDs = append(existing.ContactIDs, leadIn.ContactIDs...)
	}
	leadIn.ContactIDs = append(leadIn.ContactIDs, ids...)
	lead, err := domain.NewLead(leadIn, now)
	if err != nil {
		return domain.Lead{}, nil, err
	}
	if found {
		lead.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.UpsertLead(ctx, lead); err != nil {
		return domain.Lead{}, nil, err
	}
	s.logger.Debug("lead ingested", "lead_id", lead.ID, "contacts", len(contacts))
	return lead, contacts, nil
}

func (s *Service) resolveContact(ctx context.Context, in domain.ContactInput, now time.Time) (domain.Contact, error) {
	email, err := domain.NormalizeEmail(in.Email)
	if err != nil {
		return domain.Contact{}, err
	}
	existing, err := s.repo.FindContactByEmail(ctx, in.OrgID, email)
	switch {
	case err == nil:
		if name := strings.TrimSpace(in.Name); name != "" {
			existing.Name = strings.Join(strings.Fields(name), " ")
		}
		if title := strings.TrimSpace(in.Title); title != "" {
			existing.Title = title
		}
		existing.UpdatedAt = now.UTC()
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return domain.Contact{}, err
	}
	if strings.TrimSpace(in.ID) == "" {
		in.ID = s.idGen()
	}
	return domain.NewContact(in, now)
}

// LeadProfile is a lead with its contacts and derived classification.
type LeadProfile struct {
	Lead     domain.Lead
	Contacts []domain.Contact
	Profile  domain.VerticalProfile
	Hash     string
}

// ClassifyLead loads a lead and classifies it.
func (s *Service) ClassifyLead(ctx context.Context, leadID string) (LeadProfile, error) {
	lead, contacts, err := s.loadLead(ctx, leadID)
	if err != nil {
		return LeadProfile{}, err
	}
	profile, hash := s.classifier.Classify(lead, contacts)
	if profile.Degraded {
		s.logger.Debug("classification degraded to general", "lead_id", lead.ID, "categories", strings.Join(lead.Categories, ","))
	}
	return LeadProfile{Lead: lead, Contacts: contacts, Profile: profile, Hash: hash}, nil
}

func (s *Service) loadLead(ctx context.Context, leadID string) (domain.Lead, []domain.Contact, error) {
	leadID = strings.TrimSpace(leadID)
	if leadID == "" {
		return domain.Lead{}, nil, domain.ErrInvalidID
	}
	lead, err := s.repo.GetLead(ctx, leadID)
	if err != nil {
		return domain.Lead{}, nil, err
	}
	contacts, err := s.repo.ListContacts(ctx, lead.ContactIDs)
	if err != nil {
		return domain.Lead{}, nil, err
	}
	return lead, contacts, nil
}

// ListLeads lists leads for an organization.
func (s *Service) ListLeads(ctx context.Context, filter LeadFilter) ([]domain.Lead, error) {
	return s.repo.ListLeads(ctx, filter)
}

// GetActivity returns one activity by id.
func (s *Service) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Activity{}, domain.ErrInvalidID
	}
	return s.repo.GetActivity(ctx, id)
}

// ListQueue lists queue items for operator inspection.
func (s *Service) ListQueue(ctx context.Context, filter QueueFilter) ([]domain.QueueItem, error) {
	if filter.Status != "" {
		status, err := domain.ParseQueueStatus(string(filter.Status))
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return s.repo.ListQueueItems(ctx, filter)
}

// ListAlerts lists persisted alerts, newest first.
func (s *Service) ListAlerts(ctx context.Context, filter AlertFilter) ([]domain.Alert, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	return s.repo.ListAlerts(ctx, filter)
}

// Catalog returns the active template catalog.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog.Load()
}
