package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/outreach/internal/domain"
)

// maxSignalAttempts bounds optimistic-concurrency retries per signal.
const maxSignalAttempts = 3

// SignalResult reports what one inbound signal did.
type SignalResult struct {
	Applied    bool
	ActivityID string
	From       domain.ActivityStatus
	To         domain.ActivityStatus
	Alert      *domain.Alert
}

// RecordSignal applies one engagement signal identified by tracking token.
// Malformed or unknown tokens and signals that do not apply are ignored with
// Applied=false and no error, so the result never reveals which tokens exist.
func (s *Service) RecordSignal(ctx context.Context, token string, signal domain.SignalType, observedAt time.Time) (SignalResult, error) {
	token = strings.TrimSpace(token)
	if _, err := uuid.Parse(token); err != nil {
		s.logger.Debug("ignored signal with malformed token", "signal", signal)
		return SignalResult{}, nil
	}
	now := s.clock()
	if observedAt.IsZero() || observedAt.After(now) {
		observedAt = now
	}

	for range maxSignalAttempts {
		activity, err := s.repo.GetActivityByToken(ctx, token)
		if errors.Is(err, ErrNotFound) {
			s.logger.Debug("ignored signal for unknown token", "signal", signal)
			return SignalResult{}, nil
		}
		if err != nil {
			return SignalResult{}, err
		}
		expected := activity.Version
		transition, ok := activity.ApplySignal(signal, observedAt)
		if !ok {
			return SignalResult{ActivityID: activity.ID, From: activity.Status, To: activity.Status}, nil
		}
		activity.Version = expected + 1
		err = s.repo.UpdateActivity(ctx, activity, expected)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return SignalResult{}, err
		}

		result := SignalResult{Applied: true, ActivityID: activity.ID, From: transition.From, To: transition.To}
		if transition.To == domain.ActivityOpened || transition.To == domain.ActivityClicked {
			if _, err := s.repo.AdvanceContactStatus(ctx, activity.ContactID, domain.ResponseEngaged, now); err != nil {
				s.logger.Warn("advance contact status failed", "contact_id", activity.ContactID, "err", err)
			}
		}
		if alert, ok := s.OnTransition(ctx, activity, transition.From, transition.To); ok {
			result.Alert = &alert
		}
		s.logger.Debug("signal applied", "activity_id", activity.ID, "signal", signal, "from", transition.From, "to", transition.To)
		return result, nil
	}
	return SignalResult{}, ErrConflict
}

// SignalInput is one raw event from a beacon or relayed transport webhook.
type SignalInput struct {
	Token      string
	Type       string
	ObservedAt time.Time
}

// SignalBatchResult counts outcomes of a batch.
type SignalBatchResult struct {
	Received int
	Applied  int
	Ignored  int
	Alerts   int
	Errors   int
}

// RecordSignals applies a batch of raw events. Unknown signal types are
// ignored; one failing event does not stop the batch.
func (s *Service) RecordSignals(ctx context.Context, events []SignalInput) (SignalBatchResult, error) {
	result := SignalBatchResult{Received: len(events)}
	var errs []error
	for _, event := range events {
		signal, err := domain.ParseSignalType(event.Type)
		if err != nil {
			result.Ignored++
			continue
		}
		res, err := s.RecordSignal(ctx, event.Token, signal, event.ObservedAt)
		switch {
		case err != nil:
			result.Errors++
			errs = append(errs, err)
		case res.Applied:
			result.Applied++
			if res.Alert != nil {
				result.Alerts++
			}
		default:
			result.Ignored++
		}
	}
	return result, errors.Join(errs...)
}
