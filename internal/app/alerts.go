package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/domain"
)

// notifyTimeout bounds one best-effort notifier call.
const notifyTimeout = 10 * time.Second

// EvaluateTransition decides whether a status change is a warm signal. Only a
// change that lands on opened or clicked qualifies.
func EvaluateTransition(from, to domain.ActivityStatus) (domain.AlertKind, bool) {
	if from == to {
		return "", false
	}
	switch to {
	case domain.ActivityOpened:
		return domain.AlertOpened, true
	case domain.ActivityClicked:
		return domain.AlertClicked, true
	default:
		return "", false
	}
}

// EvaluateCallOutcome decides whether a newly logged call outcome is warm.
func EvaluateCallOutcome(outcome domain.CallOutcome) (domain.AlertKind, bool) {
	switch outcome {
	case domain.CallInterested:
		return domain.AlertCallInterested, true
	case domain.CallCallback:
		return domain.AlertCallCallback, true
	default:
		return "", false
	}
}

// OnTransition emits an alert for a qualifying transition. The tracker calls
// it once per applied transition, so each activity alerts at most once per
// state it reaches.
func (s *Service) OnTransition(ctx context.Context, activity domain.Activity, from, to domain.ActivityStatus) (domain.Alert, bool) {
	kind, ok := EvaluateTransition(from, to)
	if !ok {
		return domain.Alert{}, false
	}
	occurred := activity.UpdatedAt
	if to == domain.ActivityClicked && activity.ClickedAt != nil {
		occurred = *activity.ClickedAt
	} else if to == domain.ActivityOpened && activity.OpenedAt != nil {
		occurred = *activity.OpenedAt
	}
	return s.emitAlert(ctx, kind, activity, "", occurred)
}

func (s *Service) emitAlert(ctx context.Context, kind domain.AlertKind, activity domain.Activity, notes string, occurred time.Time) (domain.Alert, bool) {
	// The transition is already committed; finish alerting even if the caller stops.
	ctx = context.WithoutCancel(ctx)
	alert, err := s.buildAlert(ctx, kind, activity, notes, occurred)
	if err != nil {
		s.logger.Warn("build alert failed", "activity_id", activity.ID, "kind", kind, "err", err)
		return domain.Alert{}, false
	}
	if err := s.repo.CreateAlert(ctx, alert); err != nil {
		s.logger.Warn("persist alert failed", "alert_id", alert.ID, "err", err)
	}
	if s.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		err := s.notifier.Notify(notifyCtx, alert)
		cancel()
		if err != nil {
			s.logger.Warn("alert delivery failed", "alert_id", alert.ID, "kind", kind, "err", err)
		}
	}
	s.logger.Info(alert.Summary(), "alert_id", alert.ID, "lead_id", alert.LeadID, "contact_id", alert.ContactID)
	return alert, true
}

// buildAlert enriches the alert with lead, contact and role context. Missing
// context degrades to ids only.
func (s *Service) buildAlert(ctx context.Context, kind domain.AlertKind, activity domain.Activity, notes string, occurred time.Time) (domain.Alert, error) {
	in := domain.AlertInput{
		ID:         s.idGen(),
		OrgID:      activity.OrgID,
		Kind:       kind,
		LeadID:     activity.LeadID,
		ContactID:  activity.ContactID,
		ActivityID: activity.ID,
		Stage:      activity.Stage,
		Notes:      notes,
		OccurredAt: occurred,
	}
	lead, leadErr := s.repo.GetLead(ctx, activity.LeadID)
	contact, contactErr := s.repo.GetContact(ctx, activity.ContactID)
	if leadErr == nil {
		in.LeadName = lead.Name
	}
	if contactErr == nil {
		in.ContactName = contact.Name
		in.ContactEmail = contact.Email
	}
	if leadErr == nil && contactErr == nil {
		profile, _ := s.classifier.Classify(lead, []domain.Contact{contact})
		role := profile.RoleFor(contact.ID)
		psych := profile.Psychology(role)
		in.Vertical = profile.Vertical
		in.Role = role
		in.PainPoint = profile.PainPoint(role)
		in.BestContactTime = psych.BestContactTime
	} else if err := errors.Join(leadErr, contactErr); err != nil {
		s.logger.Debug("alert context incomplete", "activity_id", activity.ID, "err", err)
	}
	return domain.NewAlert(in, s.clock())
}

// LogCallOutcomeInput records the result of a follow-up call.
type LogCallOutcomeInput struct {
	ActivityID string
	Outcome    string
	Notes      string
	At         time.Time
}

// LogCallOutcome attaches a call outcome to an activity. Reaching the contact
// marks them responded, and a newly warm outcome emits an alert.
func (s *Service) LogCallOutcome(ctx context.Context, in LogCallOutcomeInput) (domain.Activity, error) {
	outcome, err := domain.ParseCallOutcome(in.Outcome)
	if err != nil {
		return domain.Activity{}, err
	}
	id := strings.TrimSpace(in.ActivityID)
	if id == "" {
		return domain.Activity{}, domain.ErrInvalidID
	}
	now := s.clock()
	at := in.At
	if at.IsZero() || at.After(now) {
		at = now
	}

	for range maxSignalAttempts {
		activity, err := s.repo.GetActivity(ctx, id)
		if err != nil {
			return domain.Activity{}, err
		}
		expected := activity.Version
		warmNew, err := activity.LogCallOutcome(outcome, in.Notes, at)
		if err != nil {
			return domain.Activity{}, fmt.Errorf("log call outcome: %w", err)
		}
		activity.Version = expected + 1
		err = s.repo.UpdateActivity(ctx, activity, expected)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return domain.Activity{}, err
		}
		if outcome.Reached() {
			if _, err := s.repo.AdvanceContactStatus(ctx, activity.ContactID, domain.ResponseResponded, now); err != nil {
				s.logger.Warn("advance contact status failed", "contact_id", activity.ContactID, "err", err)
			}
		}
		if warmNew {
			if kind, ok := EvaluateCallOutcome(outcome); ok {
				s.emitAlert(ctx, kind, activity, activity.Metadata.Notes, at)
			}
		}
		return activity, nil
	}
	return domain.Activity{}, ErrConflict
}
