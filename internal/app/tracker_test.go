package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hylla/outreach/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sentActivity seeds one queued activity and dispatches it.
func (e *testEnv) sentActivity(t *testing.T) domain.Activity {
	t.Helper()
	e.seedQueue(t, 1)
	report, err := e.svc.DispatchBatch(context.Background(), DispatchRequest{OrgID: "org-1"})
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)
	activity, err := e.repo.GetActivity(context.Background(), "act-00")
	require.NoError(t, err)
	return activity
}

func TestRecordSignalIgnoresUnknownAndUnsentActivities(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedQueue(t, 1)
	ctx := context.Background()
	pending, err := env.repo.GetActivity(ctx, "act-00")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "well-formed but unknown token", token: uuid.NewString()},
		{name: "token of pending activity", token: pending.TrackingToken},
		{name: "malformed token", token: "not-a-token"},
		{name: "empty token", token: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.svc.RecordSignal(ctx, tt.token, domain.SignalClick, testNow)
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.Nil(t, res.Alert)
		})
	}

	after, err := env.repo.GetActivity(ctx, "act-00")
	require.NoError(t, err)
	assert.Equal(t, pending, after)
	assert.Empty(t, env.repo.alertList())
	assert.Zero(t, env.notifier.count())
}

func TestRecordSignalOpenIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	activity := env.sentActivity(t)
	ctx := context.Background()
	env.clock.Advance(time.Hour)

	first, err := env.svc.RecordSignal(ctx, activity.TrackingToken, domain.SignalOpen, env.clock.Now())
	require.NoError(t, err)
	require.True(t, first.Applied)
	assert.Equal(t, domain.ActivitySent, first.From)
	assert.Equal(t, domain.ActivityOpened, first.To)
	require.NotNil(t, first.Alert)
	assert.Equal(t, domain.AlertOpened, first.Alert.Kind)

	replay, err := env.svc.RecordSignal(ctx, activity.TrackingToken, domain.SignalOpen, env.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, replay.Applied)
	assert.Len(t, env.repo.alertList(), 1)
	assert.Equal(t, 1, env.notifier.count())

	contact, err := env.repo.GetContact(ctx, activity.ContactID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseEngaged, contact.ResponseStatus)
}

func TestRecordSignalClickWithoutOpenAlertsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	activity := env.sentActivity(t)
	ctx := context.Background()
	clickAt := testNow.Add(30 * time.Minute)
	env.clock.Advance(time.Hour)

	res, err := env.svc.RecordSignal(ctx, activity.TrackingToken, domain.SignalClick, clickAt)
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.NotNil(t, res.Alert)

	alert := res.Alert
	assert.Equal(t, domain.AlertClicked, alert.Kind)
	assert.Equal(t, "Harbor Point", alert.LeadName)
	assert.Equal(t, "taylor@example.com", alert.ContactEmail)
	assert.Equal(t, domain.VerticalHospitality, alert.Vertical)
	assert.Equal(t, domain.RoleOwner, alert.Role)
	assert.Equal(t, "guest satisfaction scores", alert.PainPoint)
	assert.Equal(t, clickAt, alert.OccurredAt)

	stored, err := env.repo.GetActivity(ctx, activity.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivityClicked, stored.Status)
	require.NotNil(t, stored.OpenedAt)
	require.NotNil(t, stored.ClickedAt)
	assert.True(t, stored.TimestampsOrdered())

	// An open arriving after the click never regresses the status.
	late, err := env.svc.RecordSignal(ctx, activity.TrackingToken, domain.SignalOpen, env.clock.Now())
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.Len(t, env.repo.alertList(), 1)
}

func TestRecordSignalClampsFutureTimestamps(t *testing.T) {
	env := newTestEnv(t, nil)
	activity := env.sentActivity(t)

	res, err := env.svc.RecordSignal(context.Background(), activity.TrackingToken, domain.SignalOpen, testNow.Add(48*time.Hour))
	require.NoError(t, err)
	require.True(t, res.Applied)
	stored, err := env.repo.GetActivity(context.Background(), activity.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.OpenedAt)
	assert.Equal(t, testNow, *stored.OpenedAt)
}

func TestRecordSignalSurvivesNotifierFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	activity := env.sentActivity(t)
	env.notifier.err = errors.New("channel down")

	res, err := env.svc.RecordSignal(context.Background(), activity.TrackingToken, domain.SignalClick, testNow)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Len(t, env.repo.alertList(), 1, "alert is persisted even when delivery fails")
}

func TestRecordSignalBounceStopsEngagement(t *testing.T) {
	env := newTestEnv(t, nil)
	activity := env.sentActivity(t)
	ctx := context.Background()

	res, err := env.svc.RecordSignal(ctx, activity.TrackingToken, domain.SignalBounce, testNow)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Nil(t, res.Alert)

	res, err = env.svc.RecordSignal(ctx, activity.TrackingToken, domain.SignalOpen, testNow)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Empty(t, env.repo.alertList())
}

func TestRecordSignalsCountsOutcomes(t *testing.T) {
	env := newTestEnv(t, nil)
	activity := env.sentActivity(t)

	res, err := env.svc.RecordSignals(context.Background(), []SignalInput{
		{Token: activity.TrackingToken, Type: "delivered"},
		{Token: activity.TrackingToken, Type: "opened"},
		{Token: activity.TrackingToken, Type: "opened"},
		{Token: activity.TrackingToken, Type: "spam_report"},
		{Token: "garbage", Type: "click"},
	})
	require.NoError(t, err)
	assert.Equal(t, SignalBatchResult{Received: 5, Applied: 2, Ignored: 3, Alerts: 1}, res)
}

func TestLogCallOutcome(t *testing.T) {
	env := newTestEnv(t, nil)
	activity := env.sentActivity(t)
	ctx := context.Background()

	updated, err := env.svc.LogCallOutcome(ctx, LogCallOutcomeInput{ActivityID: activity.ID, Outcome: "Interested", Notes: "wants a demo"})
	require.NoError(t, err)
	assert.Equal(t, domain.CallInterested, updated.Metadata.Outcome)
	assert.Equal(t, "wants a demo", updated.Metadata.Notes)
	alerts := env.repo.alertList()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertCallInterested, alerts[0].Kind)
	assert.Equal(t, "wants a demo", alerts[0].Notes)

	contact, err := env.repo.GetContact(ctx, activity.ContactID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResponseResponded, contact.ResponseStatus)

	_, err = env.svc.LogCallOutcome(ctx, LogCallOutcomeInput{ActivityID: activity.ID, Outcome: "interested"})
	require.NoError(t, err)
	assert.Len(t, env.repo.alertList(), 1, "repeating the same outcome does not alert again")

	_, err = env.svc.LogCallOutcome(ctx, LogCallOutcomeInput{ActivityID: activity.ID, Outcome: "busy signal"})
	assert.ErrorIs(t, err, domain.ErrInvalidCallOutcome)
}

func TestLogCallOutcomeRejectsPendingActivity(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedQueue(t, 1)

	_, err := env.svc.LogCallOutcome(context.Background(), LogCallOutcomeInput{ActivityID: "act-00", Outcome: "callback"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, env.repo.alertList())
}

func TestEvaluateTransition(t *testing.T) {
	tests := []struct {
		from, to domain.ActivityStatus
		want     domain.AlertKind
		ok       bool
	}{
		{from: domain.ActivitySent, to: domain.ActivityOpened, want: domain.AlertOpened, ok: true},
		{from: domain.ActivitySent, to: domain.ActivityClicked, want: domain.AlertClicked, ok: true},
		{from: domain.ActivityOpened, to: domain.ActivityClicked, want: domain.AlertClicked, ok: true},
		{from: domain.ActivityOpened, to: domain.ActivityOpened},
		{from: domain.ActivitySent, to: domain.ActivityBounced},
		{from: domain.ActivityPending, to: domain.ActivitySent},
	}
	for _, tt := range tests {
		got, ok := EvaluateTransition(tt.from, tt.to)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("EvaluateTransition(%s, %s) = (%q, %v), want (%q, %v)", tt.from, tt.to, got, ok, tt.want, tt.ok)
		}
	}
}
