package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/outreach/internal/catalog"
	"github.com/hylla/outreach/internal/classify"
	"github.com/hylla/outreach/internal/domain"
)

// PlannerConfig tunes campaign creation. By default a campaign stops planning
// follow-ups once any of its messages was opened or clicked, leaving the warm
// contact to the alerted human.
type PlannerConfig struct {
	CooldownDays            int
	FollowUpAfterEngagement bool
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.CooldownDays < 0 {
		c.CooldownDays = 0
	}
	return c
}

// PlanContext is everything PlanDue needs for one lead/contact pair.
type PlanContext struct {
	Campaign   domain.Campaign
	Lead       domain.Lead
	Contact    domain.Contact
	Profile    domain.VerticalProfile
	Catalog    *catalog.Catalog
	SenderName string
	// FollowUpAfterEngagement keeps the sequence going after an open or click.
	FollowUpAfterEngagement bool
}

// PlannedSend is one stage that is due and has no activity yet.
type PlannedSend struct {
	Stage     domain.Stage
	Template  catalog.Template
	Level     catalog.ResolveLevel
	Variables map[string]string
	Priority  int
	DueAt     time.Time
}

// PlanDue returns the stages of the campaign's sequence that are due at now
// and have no activity in existing. A follow-up is only due once the stage
// before it was delivered, and nothing is due once the contact has responded
// or any stage bounced or failed. Unless pc.FollowUpAfterEngagement is set an
// opened or clicked stage also ends the sequence. PlanDue never fails: a
// missing template cell resolves to the general template for the stage type.
func PlanDue(pc PlanContext, existing []domain.Activity, now time.Time) []PlannedSend {
	if pc.Catalog == nil || pc.Contact.ResponseStatus == domain.ResponseResponded {
		return nil
	}
	byStage := make(map[string]domain.Activity, len(existing))
	for _, activity := range existing {
		if activity.Status == domain.ActivityBounced || activity.Status == domain.ActivityFailed {
			return nil
		}
		if !pc.FollowUpAfterEngagement && engaged(activity) {
			return nil
		}
		byStage[activity.Stage] = activity
	}

	role := pc.Profile.RoleFor(pc.Contact.ID)
	authority := pc.Profile.Psychology(role).Authority
	var vars map[string]string

	var out []PlannedSend
	for i, stage := range pc.Catalog.Sequence() {
		if activity, ok := byStage[stage.Key]; ok {
			if !activity.Status.Delivered() {
				break
			}
			continue
		}
		dueAt := pc.Campaign.DueAt(stage)
		if dueAt.After(now) {
			break
		}
		if i > 0 && len(out) > 0 {
			break
		}
		if vars == nil {
			vars = BindVariables(pc.Lead, pc.Contact, pc.Profile, pc.SenderName)
		}
		tpl, level := pc.Catalog.Resolve(pc.Profile.Vertical, role, stage.Type)
		out = append(out, PlannedSend{
			Stage:     stage,
			Template:  tpl,
			Level:     level,
			Variables: vars,
			Priority:  PriorityScore(pc.Lead.Score, authority, i, pc.Profile.Phase),
			DueAt:     dueAt,
		})
	}
	return out
}

func engaged(a domain.Activity) bool {
	return a.OpenedAt != nil || a.ClickedAt != nil
}

// PriorityScore ranks queue items: lead score, then decision authority, then
// earlier stages, with a bump for projects still in early design.
func PriorityScore(leadScore int, authority domain.DecisionAuthority, stageIndex int, phase domain.ProjectPhase) int {
	score := max(leadScore, 0) + authority.Weight()
	switch stageIndex {
	case 0:
		score += 10
	case 1:
		score += 6
	case 2:
		score += 4
	default:
		score += 2
	}
	if phase == domain.PhaseEarly {
		score += 5
	}
	return score
}

// PlannedActivity summarizes one activity created by a planning run.
type PlannedActivity struct {
	ActivityID string
	CampaignID string
	ContactID  string
	Stage      string
	TemplateID string
	Level      catalog.ResolveLevel
	Priority   int
}

// PlanReport aggregates one planning run.
type PlanReport struct {
	Leads            int
	CampaignsStarted int
	Planned          int
	Skipped          int
	Degraded         int
	Errors           int
	Activities       []PlannedActivity
}

func (r *PlanReport) merge(other PlanReport) {
	r.Leads += other.Leads
	r.CampaignsStarted += other.CampaignsStarted
	r.Planned += other.Planned
	r.Skipped += other.Skipped
	r.Degraded += other.Degraded
	r.Errors += other.Errors
	r.Activities = append(r.Activities, other.Activities...)
}

// PlanLead classifies a lead and materializes every due stage for each of its
// contacts. Re-running it at the same instant creates nothing new.
func (s *Service) PlanLead(ctx context.Context, leadID string) (PlanReport, error) {
	lp, err := s.ClassifyLead(ctx, leadID)
	if err != nil {
		return PlanReport{}, err
	}
	now := s.clock()
	report := PlanReport{Leads: 1}
	if lp.Profile.Degraded {
		report.Degraded = 1
	}
	campaigns, err := s.repo.ListCampaigns(ctx, lp.Lead.ID)
	if err != nil {
		return PlanReport{}, err
	}
	cat := s.catalog.Load()

	for _, contact := range lp.Contacts {
		campaign, started, err := s.campaignFor(ctx, lp, contact, campaigns, now)
		if err != nil {
			return report, err
		}
		if campaign == nil {
			report.Skipped++
			continue
		}
		if started {
			report.CampaignsStarted++
		}
		existing, err := s.repo.ListCampaignActivities(ctx, campaign.ID)
		if err != nil {
			return report, err
		}
		due := PlanDue(PlanContext{
			Campaign:                *campaign,
			Lead:                    lp.Lead,
			Contact:                 contact,
			Profile:                 lp.Profile,
			Catalog:                 cat,
			SenderName:              s.senderName,
			FollowUpAfterEngagement: s.planner.FollowUpAfterEngagement,
		}, existing, now)
		if len(due) == 0 {
			continue
		}
		records, summaries, err := s.materialize(*campaign, due, now)
		if err != nil {
			return report, err
		}
		created, err := s.repo.CreatePlannedSends(ctx, records)
		if err != nil {
			return report, err
		}
		report.Planned += created
		if created == len(records) {
			report.Activities = append(report.Activities, summaries...)
		}
	}
	s.logger.Debug("lead planned", "lead_id", lp.Lead.ID, "planned", report.Planned, "skipped", report.Skipped)
	return report, nil
}

// campaignFor returns the active campaign for a contact, starting a new one
// when none exists or the classification changed. A nil campaign means the
// contact is skipped.
func (s *Service) campaignFor(ctx context.Context, lp LeadProfile, contact domain.Contact, campaigns []domain.Campaign, now time.Time) (*domain.Campaign, bool, error) {
	hash := classify.LeadHash(lp.Lead, []domain.Contact{contact})
	var latest *domain.Campaign
	for i := range campaigns {
		c := &campaigns[i]
		if c.ContactID != contact.ID {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest != nil && latest.ProfileHash == hash {
		return latest, false, nil
	}
	if contact.ResponseStatus == domain.ResponseResponded {
		return nil, false, nil
	}
	if s.inCooldown(contact, now) {
		s.logger.Debug("contact in cooldown", "contact_id", contact.ID, "lead_id", lp.Lead.ID)
		return nil, false, nil
	}
	campaign, err := domain.NewCampaign(domain.CampaignInput{
		ID:          s.idGen(),
		OrgID:       lp.Lead.OrgID,
		LeadID:      lp.Lead.ID,
		ContactID:   contact.ID,
		Vertical:    lp.Profile.Vertical,
		Role:        lp.Profile.RoleFor(contact.ID),
		ProfileHash: hash,
		StartedAt:   now,
	}, now)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := s.repo.CreateCampaign(ctx, campaign)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.logger.Debug("campaign already started", "campaign_id", stored.ID, "contact_id", contact.ID)
	}
	return &stored, created, nil
}

func (s *Service) inCooldown(contact domain.Contact, now time.Time) bool {
	if s.planner.CooldownDays == 0 || contact.LastContactedAt == nil {
		return false
	}
	window := time.Duration(s.planner.CooldownDays) * 24 * time.Hour
	return now.Sub(*contact.LastContactedAt) < window
}

func (s *Service) materialize(campaign domain.Campaign, due []PlannedSend, now time.Time) ([]PlannedRecord, []PlannedActivity, error) {
	records := make([]PlannedRecord, 0, len(due))
	summaries := make([]PlannedActivity, 0, len(due))
	for _, send := range due {
		activity, err := domain.NewActivity(domain.ActivityInput{
			ID:            s.idGen(),
			OrgID:         campaign.OrgID,
			CampaignID:    campaign.ID,
			LeadID:        campaign.LeadID,
			ContactID:     campaign.ContactID,
			Stage:         send.Stage.Key,
			StageType:     send.Stage.Type,
			TemplateID:    send.Template.ID,
			TrackingToken: uuid.NewString(),
			Variables:     send.Variables,
		}, now)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %s: %w", send.Stage.Key, err)
		}
		item, err := domain.NewQueueItem(domain.QueueItemInput{
			ID:             s.idGen(),
			OrgID:          campaign.OrgID,
			ActivityID:     activity.ID,
			Priority:       send.Priority,
			NextEligibleAt: now,
		}, now)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %s: %w", send.Stage.Key, err)
		}
		records = append(records, PlannedRecord{Activity: activity, Item: item})
		summaries = append(summaries, PlannedActivity{
			ActivityID: activity.ID,
			CampaignID: campaign.ID,
			ContactID:  campaign.ContactID,
			Stage:      send.Stage.Key,
			TemplateID: send.Template.ID,
			Level:      send.Level,
			Priority:   send.Priority,
		})
	}
	return records, summaries, nil
}

// PlanAll plans every lead of an organization. One failing lead does not stop
// the run; failures are counted and joined into the returned error.
func (s *Service) PlanAll(ctx context.Context, orgID string) (PlanReport, error) {
	leads, err := s.repo.ListLeads(ctx, LeadFilter{OrgID: orgID})
	if err != nil {
		return PlanReport{}, err
	}
	var (
		report PlanReport
		errs   []error
	)
	for _, lead := range leads {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		one, err := s.PlanLead(ctx, lead.ID)
		report.merge(one)
		if err != nil {
			report.Errors++
			s.logger.Warn("plan lead failed", "lead_id", lead.ID, "err", err)
			errs = append(errs, fmt.Errorf("lead %s: %w", lead.ID, err))
		}
	}
	slices.SortStableFunc(report.Activities, func(a, b PlannedActivity) int { return b.Priority - a.Priority })
	s.logger.Info("planning complete", "org_id", orgID, "leads", report.Leads, "planned", report.Planned, "skipped", report.Skipped)
	return report, errors.Join(errs...)
}
