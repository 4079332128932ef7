package common

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
)

// AppServiceAdapter maps transport contracts onto app.Service.
type AppServiceAdapter struct {
	service *app.Service
}

var _ OutreachService = (*AppServiceAdapter)(nil)

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service}
}

func (a *AppServiceAdapter) ready() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	return nil
}

// RecordSignal applies one beacon or webhook signal. Unknown signal types are
// ignored rather than rejected.
func (a *AppServiceAdapter) RecordSignal(ctx context.Context, in SignalRequest) (SignalResult, error) {
	if err := a.ready(); err != nil {
		return SignalResult{}, err
	}
	signal, err := domain.ParseSignalType(in.Type)
	if err != nil {
		return SignalResult{}, nil
	}
	res, err := a.service.RecordSignal(ctx, in.Token, signal, in.ObservedAt)
	if err != nil {
		return SignalResult{}, mapAppError("record signal", err)
	}
	if !res.Applied {
		return SignalResult{}, nil
	}
	return SignalResult{
		Applied: true,
		From:    string(res.From),
		To:      string(res.To),
		Alerted: res.Alert != nil,
	}, nil
}

// RecordSignals applies a batch of signals.
func (a *AppServiceAdapter) RecordSignals(ctx context.Context, in []SignalRequest) (SignalBatchResult, error) {
	if err := a.ready(); err != nil {
		return SignalBatchResult{}, err
	}
	events := make([]app.SignalInput, 0, len(in))
	for _, e := range in {
		events = append(events, app.SignalInput{Token: e.Token, Type: e.Type, ObservedAt: e.ObservedAt})
	}
	res, err := a.service.RecordSignals(ctx, events)
	out := SignalBatchResult{
		Received: res.Received,
		Applied:  res.Applied,
		Ignored:  res.Ignored,
		Alerts:   res.Alerts,
		Errors:   res.Errors,
	}
	if err != nil {
		return out, mapAppError("record signals", err)
	}
	return out, nil
}

// IngestLead creates or updates one lead with its contacts.
func (a *AppServiceAdapter) IngestLead(ctx context.Context, in IngestLeadRequest) (Lead, error) {
	if err := a.ready(); err != nil {
		return Lead{}, err
	}
	contacts := make([]domain.ContactInput, 0, len(in.Contacts))
	for _, c := range in.Contacts {
		contacts = append(contacts, domain.ContactInput{ID: c.ID, Name: c.Name, Title: c.Title, Email: c.Email})
	}
	lead, stored, err := a.service.IngestLead(ctx, app.IngestLeadInput{
		Lead: domain.LeadInput{
			ID:         in.ID,
			OrgID:      in.OrgID,
			Name:       in.Name,
			Categories: in.Categories,
			Value:      in.Value,
			Units:      in.Units,
			Stage:      in.Stage,
			City:       in.City,
			State:      in.State,
			Score:      in.Score,
		},
		Contacts: contacts,
	})
	if err != nil {
		return Lead{}, mapAppError("ingest lead", err)
	}
	return convertLead(lead, stored), nil
}

// PlanLead plans every due stage for one lead.
func (a *AppServiceAdapter) PlanLead(ctx context.Context, leadID string) (PlanReport, error) {
	if err := a.ready(); err != nil {
		return PlanReport{}, err
	}
	report, err := a.service.PlanLead(ctx, leadID)
	if err != nil {
		return PlanReport{}, mapAppError("plan lead", err)
	}
	return convertPlanReport(report), nil
}

// PlanAll plans every lead of an organization.
func (a *AppServiceAdapter) PlanAll(ctx context.Context, orgID string) (PlanReport, error) {
	if err := a.ready(); err != nil {
		return PlanReport{}, err
	}
	report, err := a.service.PlanAll(ctx, strings.TrimSpace(orgID))
	if err != nil {
		return convertPlanReport(report), mapAppError("plan all", err)
	}
	return convertPlanReport(report), nil
}

// DispatchBatch runs one dispatch batch.
func (a *AppServiceAdapter) DispatchBatch(ctx context.Context, in DispatchRequest) (DispatchReport, error) {
	if err := a.ready(); err != nil {
		return DispatchReport{}, err
	}
	if in.Cap < 0 {
		return DispatchReport{}, fmt.Errorf("dispatch: cap must not be negative: %w", ErrInvalidRequest)
	}
	report, err := a.service.DispatchBatch(ctx, app.DispatchRequest{OrgID: strings.TrimSpace(in.OrgID), Cap: in.Cap})
	if err != nil {
		return DispatchReport{}, mapAppError("dispatch", err)
	}
	out := DispatchReport{
		OrgID:        report.OrgID,
		Claimed:      report.Claimed,
		Sent:         report.Sent,
		Failed:       report.Failed,
		Retried:      report.Retried,
		Skipped:      report.Skipped,
		Throttled:    report.Throttled,
		CommitFailed: report.CommitFailed,
		Items:        make([]DispatchItem, 0, len(report.Items)),
	}
	for _, item := range report.Items {
		out.Items = append(out.Items, DispatchItem{
			ItemID:       item.ItemID,
			ActivityID:   item.ActivityID,
			Outcome:      item.Outcome,
			Attempts:     item.Attempts,
			Error:        item.Error,
			NextAt:       item.NextAt,
			CommitFailed: item.CommitFailed,
		})
	}
	return out, nil
}

// ReapStaleClaims returns abandoned claims to pending.
func (a *AppServiceAdapter) ReapStaleClaims(ctx context.Context) (ReapResult, error) {
	if err := a.ready(); err != nil {
		return ReapResult{}, err
	}
	n, err := a.service.ReapStaleClaims(ctx)
	if err != nil {
		return ReapResult{}, mapAppError("reap stale claims", err)
	}
	return ReapResult{Reaped: n}, nil
}

// ListQueue lists queue items.
func (a *AppServiceAdapter) ListQueue(ctx context.Context, in ListQueueRequest) ([]QueueItem, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	items, err := a.service.ListQueue(ctx, app.QueueFilter{
		OrgID:  strings.TrimSpace(in.OrgID),
		Status: domain.QueueStatus(strings.TrimSpace(in.Status)),
		Limit:  in.Limit,
	})
	if err != nil {
		return nil, mapAppError("list queue", err)
	}
	out := make([]QueueItem, 0, len(items))
	for _, item := range items {
		out = append(out, QueueItem{
			ID:             item.ID,
			OrgID:          item.OrgID,
			ActivityID:     item.ActivityID,
			Priority:       item.Priority,
			Status:         string(item.Status),
			Attempts:       item.Attempts,
			NextEligibleAt: item.NextEligibleAt,
			ClaimedAt:      item.ClaimedAt,
			ClaimedBy:      item.ClaimedBy,
			LastError:      item.LastError,
		})
	}
	return out, nil
}

// ListAlerts lists persisted alerts, newest first.
func (a *AppServiceAdapter) ListAlerts(ctx context.Context, in ListAlertsRequest) ([]Alert, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	alerts, err := a.service.ListAlerts(ctx, app.AlertFilter{OrgID: strings.TrimSpace(in.OrgID), Since: in.Since, Limit: in.Limit})
	if err != nil {
		return nil, mapAppError("list alerts", err)
	}
	out := make([]Alert, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, convertAlert(alert))
	}
	return out, nil
}

// GetActivity returns one activity.
func (a *AppServiceAdapter) GetActivity(ctx context.Context, id string) (Activity, error) {
	if err := a.ready(); err != nil {
		return Activity{}, err
	}
	activity, err := a.service.GetActivity(ctx, id)
	if err != nil {
		return Activity{}, mapAppError("get activity", err)
	}
	return convertActivity(activity), nil
}

// LogCallOutcome records a follow-up call result.
func (a *AppServiceAdapter) LogCallOutcome(ctx context.Context, in CallOutcomeRequest) (Activity, error) {
	if err := a.ready(); err != nil {
		return Activity{}, err
	}
	activity, err := a.service.LogCallOutcome(ctx, app.LogCallOutcomeInput{
		ActivityID: strings.TrimSpace(in.ActivityID),
		Outcome:    in.Outcome,
		Notes:      in.Notes,
	})
	if err != nil {
		return Activity{}, mapAppError("log call outcome", err)
	}
	return convertActivity(activity), nil
}

// LeadProfile classifies one lead.
func (a *AppServiceAdapter) LeadProfile(ctx context.Context, leadID string) (LeadProfile, error) {
	if err := a.ready(); err != nil {
		return LeadProfile{}, err
	}
	lp, err := a.service.ClassifyLead(ctx, leadID)
	if err != nil {
		return LeadProfile{}, mapAppError("classify lead", err)
	}
	out := LeadProfile{
		LeadID:       lp.Lead.ID,
		Vertical:     string(lp.Profile.Vertical),
		BaseCategory: lp.Profile.BaseCategory,
		Refined:      lp.Profile.Refined,
		Degraded:     lp.Profile.Degraded,
		Phase:        string(lp.Profile.Phase),
		Hash:         lp.Hash,
		Contacts:     make([]RoleProfile, 0, len(lp.Contacts)),
	}
	for _, c := range lp.Contacts {
		role := lp.Profile.RoleFor(c.ID)
		psych := lp.Profile.Psychology(role)
		out.Contacts = append(out.Contacts, RoleProfile{
			ContactID:          c.ID,
			Role:               string(role),
			Authority:          string(psych.Authority),
			BusinessConcerns:   slices.Clone(psych.BusinessConcerns),
			PersonalMotivators: slices.Clone(psych.PersonalMotivators),
			BestContactTime:    psych.BestContactTime,
		})
	}
	return out, nil
}

func convertLead(lead domain.Lead, contacts []domain.Contact) Lead {
	out := Lead{
		ID:         lead.ID,
		OrgID:      lead.OrgID,
		Name:       lead.Name,
		Categories: slices.Clone(lead.Categories),
		Value:      lead.Value,
		Units:      lead.Units,
		Stage:      lead.Stage,
		City:       lead.City,
		State:      lead.State,
		Score:      lead.Score,
		Contacts:   make([]Contact, 0, len(contacts)),
		UpdatedAt:  lead.UpdatedAt,
	}
	if out.Categories == nil {
		out.Categories = []string{}
	}
	for _, c := range contacts {
		out.Contacts = append(out.Contacts, Contact{
			ID:              c.ID,
			Name:            c.Name,
			Title:           c.Title,
			Email:           c.Email,
			ResponseStatus:  string(c.ResponseStatus),
			LastContactedAt: c.LastContactedAt,
		})
	}
	return out
}

func convertPlanReport(report app.PlanReport) PlanReport {
	out := PlanReport{
		Leads:            report.Leads,
		CampaignsStarted: report.CampaignsStarted,
		Planned:          report.Planned,
		Skipped:          report.Skipped,
		Degraded:         report.Degraded,
		Errors:           report.Errors,
		Activities:       make([]PlannedActivity, 0, len(report.Activities)),
	}
	for _, a := range report.Activities {
		out.Activities = append(out.Activities, PlannedActivity{
			ActivityID: a.ActivityID,
			CampaignID: a.CampaignID,
			ContactID:  a.ContactID,
			Stage:      a.Stage,
			TemplateID: a.TemplateID,
			Level:      string(a.Level),
			Priority:   a.Priority,
		})
	}
	return out
}

func convertAlert(a domain.Alert) Alert {
	return Alert{
		ID:              a.ID,
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
		OccurredAt:      a.OccurredAt,
	}
}

func convertActivity(a domain.Activity) Activity {
	return Activity{
		ID:            a.ID,
		CampaignID:    a.CampaignID,
		LeadID:        a.LeadID,
		ContactID:     a.ContactID,
		Stage:         a.Stage,
		StageType:     string(a.StageType),
		TemplateID:    a.TemplateID,
		Status:        string(a.Status),
		Version:       a.Version,
		Subject:       a.Metadata.Subject,
		MessageID:     a.Metadata.MessageID,
		CallOutcome:   string(a.Metadata.Outcome),
		CallNotes:     a.Metadata.Notes,
		FailureReason: a.Metadata.FailureReason,
		SentAt:        a.SentAt,
		DeliveredAt:   a.DeliveredAt,
		OpenedAt:      a.OpenedAt,
		ClickedAt:     a.ClickedAt,
		BouncedAt:     a.BouncedAt,
		FailedAt:      a.FailedAt,
	}
}

// mapAppError maps app and domain errors onto transport sentinels.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, app.ErrNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, app.ErrConflict), errors.Is(err, app.ErrClaimLost):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrConflict, err))
	case errors.Is(err, app.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrInvalidEmail),
		errors.Is(err, domain.ErrInvalidStage),
		errors.Is(err, domain.ErrInvalidStageType),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidSignal),
		errors.Is(err, domain.ErrInvalidToken),
		errors.Is(err, domain.ErrInvalidAlertKind),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInvalidCallOutcome),
		errors.Is(err, domain.ErrInvalidValue):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
