package domain

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// ActivityStatus is the explicit engagement state of one outreach send.
type ActivityStatus string

const (
	ActivityPending ActivityStatus = "pending"
	ActivitySent    ActivityStatus = "sent"
	ActivityOpened  ActivityStatus = "opened"
	ActivityClicked ActivityStatus = "clicked"
	ActivityBounced ActivityStatus = "bounced"
	ActivityFailed  ActivityStatus = "failed"
)

var validActivityStatuses = []ActivityStatus{
	ActivityPending,
	ActivitySent,
	ActivityOpened,
	ActivityClicked,
	ActivityBounced,
	ActivityFailed,
}

// activityTransitions is the only source of legal forward moves.
var activityTransitions = map[ActivityStatus][]ActivityStatus{
	ActivityPending: {ActivitySent, ActivityFailed},
	ActivitySent:    {ActivityOpened, ActivityClicked, ActivityBounced, ActivityFailed},
	ActivityOpened:  {ActivityClicked},
}

func ParseActivityStatus(raw string) (ActivityStatus, error) {
	status := ActivityStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validActivityStatuses, status) {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// CanTransition reports whether s may move to next.
func (s ActivityStatus) CanTransition(next ActivityStatus) bool {
	return slices.Contains(activityTransitions[s], next)
}

// Terminal reports whether no further transitions exist from s.
func (s ActivityStatus) Terminal() bool {
	return len(activityTransitions[s]) == 0
}

// Delivered reports whether the activity left the transport successfully.
func (s ActivityStatus) Delivered() bool {
	switch s {
	case ActivitySent, ActivityOpened, ActivityClicked:
		return true
	default:
		return false
	}
}

// SignalType is an inbound engagement signal carried by a tracking token.
type SignalType string

const (
	SignalDelivered SignalType = "delivered"
	SignalOpen      SignalType = "open"
	SignalClick     SignalType = "click"
	SignalBounce    SignalType = "bounce"
	SignalDropped   SignalType = "dropped"
)

var signalAliases = map[string]SignalType{
	"delivered": SignalDelivered,
	"delivery":  SignalDelivered,
	"open":      SignalOpen,
	"opened":    SignalOpen,
	"click":     SignalClick,
	"clicked":   SignalClick,
	"bounce":    SignalBounce,
	"bounced":   SignalBounce,
	"dropped":   SignalDropped,
	"drop":      SignalDropped,
}

func ParseSignalType(raw string) (SignalType, error) {
	signal, ok := signalAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", ErrInvalidSignal
	}
	return signal, nil
}

// CallOutcome records the result of a human follow-up call.
type CallOutcome string

const (
	CallInterested    CallOutcome = "interested"
	CallCallback      CallOutcome = "callback"
	CallNotInterested CallOutcome = "not_interested"
	CallNoAnswer      CallOutcome = "no_answer"
	CallVoicemail     CallOutcome = "voicemail"
)

var validCallOutcomes = []CallOutcome{CallInterested, CallCallback, CallNotInterested, CallNoAnswer, CallVoicemail}

func ParseCallOutcome(raw string) (CallOutcome, error) {
	outcome := CallOutcome(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validCallOutcomes, outcome) {
		return "", ErrInvalidCallOutcome
	}
	return outcome, nil
}

// Warm reports whether the outcome signals interest worth escalating.
func (o CallOutcome) Warm() bool {
	return o == CallInterested || o == CallCallback
}

// Reached reports whether the call got a human answer from the contact.
func (o CallOutcome) Reached() bool {
	return o == CallInterested || o == CallCallback || o == CallNotInterested
}

type ActivityMetadata struct {
	Subject       string
	MessageID     string
	Variables     map[string]string
	Notes         string
	Outcome       CallOutcome
	OutcomeAt     *time.Time
	FailureReason string
}

// Activity is one planned or sent outreach message. Activities are never
// deleted; they are the audit trail.
type Activity struct {
	ID            string
	OrgID         string
	CampaignID    string
	LeadID        string
	ContactID     string
	Stage         string
	StageType     StageType
	TemplateID    string
	TrackingToken string
	Status        ActivityStatus
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SentAt        *time.Time
	DeliveredAt   *time.Time
	OpenedAt      *time.Time
	ClickedAt     *time.Time
	BouncedAt     *time.Time
	FailedAt      *time.Time
	Metadata      ActivityMetadata
}

type ActivityInput struct {
	ID            string
	OrgID         string
	CampaignID    string
	LeadID        string
	ContactID     string
	Stage         string
	StageType     StageType
	TemplateID    string
	TrackingToken string
	Variables     map[string]string
}

// Transition describes one applied state change.
type Transition struct {
	From   ActivityStatus
	To     ActivityStatus
	Signal SignalType
	At     time.Time
}

// Changed reports whether the transition moved the status.
func (t Transition) Changed() bool {
	return t.From != t.To
}

func NewActivity(in ActivityInput, now time.Time) (Activity, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.OrgID = strings.TrimSpace(in.OrgID)
	in.CampaignID = strings.TrimSpace(in.CampaignID)
	in.LeadID = strings.TrimSpace(in.LeadID)
	in.ContactID = strings.TrimSpace(in.ContactID)
	in.Stage = strings.TrimSpace(in.Stage)
	in.TrackingToken = strings.TrimSpace(in.TrackingToken)
	if in.ID == "" || in.OrgID == "" || in.CampaignID == "" || in.LeadID == "" || in.ContactID == "" {
		return Activity{}, ErrInvalidID
	}
	if in.Stage == "" {
		return Activity{}, ErrInvalidStage
	}
	if !slices.Contains(validStageTypes, in.StageType) {
		return Activity{}, ErrInvalidStageType
	}
	if in.TrackingToken == "" {
		return Activity{}, ErrInvalidToken
	}
	ts := now.UTC()
	return Activity{
		ID:            in.ID,
		OrgID:         in.OrgID,
		CampaignID:    in.CampaignID,
		LeadID:        in.LeadID,
		ContactID:     in.ContactID,
		Stage:         in.Stage,
		StageType:     in.StageType,
		TemplateID:    strings.TrimSpace(in.TemplateID),
		TrackingToken: in.TrackingToken,
		Status:        ActivityPending,
		Version:       1,
		CreatedAt:     ts,
		UpdatedAt:     ts,
		Metadata: ActivityMetadata{
			Variables: maps.Clone(in.Variables),
		},
	}, nil
}

// MarkSent records a successful hand-off to the transport.
func (a *Activity) MarkSent(at time.Time, subject, messageID string) error {
	if !a.Status.CanTransition(ActivitySent) {
		return ErrInvalidTransition
	}
	ts := notBefore(at, &a.CreatedAt)
	a.Status = ActivitySent
	a.SentAt = &ts
	a.Metadata.Subject = strings.TrimSpace(subject)
	a.Metadata.MessageID = strings.TrimSpace(messageID)
	a.touch(ts)
	return nil
}

// MarkFailed terminates a pending or sent activity.
func (a *Activity) MarkFailed(at time.Time, reason string) error {
	if !a.Status.CanTransition(ActivityFailed) {
		return ErrInvalidTransition
	}
	ts := notBefore(at, a.latestStamp())
	a.Status = ActivityFailed
	a.FailedAt = &ts
	a.Metadata.FailureReason = strings.TrimSpace(reason)
	a.touch(ts)
	return nil
}

// ApplySignal advances the activity for one inbound signal. It returns false
// when the signal does not apply: the activity was never sent, already sits at
// or past the signalled state, or is terminal. Stamped times never precede the
// previous stamp in the created → sent → opened → clicked chain.
func (a *Activity) ApplySignal(signal SignalType, observedAt time.Time) (Transition, bool) {
	from := a.Status
	switch signal {
	case SignalDelivered:
		if !from.Delivered() || a.DeliveredAt != nil {
			return Transition{}, false
		}
		ts := notBefore(observedAt, a.SentAt)
		a.DeliveredAt = &ts
		a.touch(ts)
		return Transition{From: from, To: from, Signal: signal, At: ts}, true
	case SignalOpen:
		if !from.CanTransition(ActivityOpened) {
			return Transition{}, false
		}
		ts := notBefore(observedAt, a.SentAt)
		a.OpenedAt = &ts
		a.Status = ActivityOpened
		a.touch(ts)
		return Transition{From: from, To: ActivityOpened, Signal: signal, At: ts}, true
	case SignalClick:
		if !from.CanTransition(ActivityClicked) {
			return Transition{}, false
		}
		floor := a.SentAt
		if a.OpenedAt != nil {
			floor = a.OpenedAt
		}
		ts := notBefore(observedAt, floor)
		if a.OpenedAt == nil {
			// A click proves the message was opened.
			opened := ts
			a.OpenedAt = &opened
		}
		a.ClickedAt = &ts
		a.Status = ActivityClicked
		a.touch(ts)
		return Transition{From: from, To: ActivityClicked, Signal: signal, At: ts}, true
	case SignalBounce:
		if from != ActivitySent {
			return Transition{}, false
		}
		ts := notBefore(observedAt, a.SentAt)
		a.BouncedAt = &ts
		a.Status = ActivityBounced
		a.touch(ts)
		return Transition{From: from, To: ActivityBounced, Signal: signal, At: ts}, true
	case SignalDropped:
		if from != ActivitySent {
			return Transition{}, false
		}
		ts := notBefore(observedAt, a.SentAt)
		a.FailedAt = &ts
		a.Status = ActivityFailed
		a.Metadata.FailureReason = "dropped by transport"
		a.touch(ts)
		return Transition{From: from, To: ActivityFailed, Signal: signal, At: ts}, true
	default:
		return Transition{}, false
	}
}

// LogCallOutcome records a call result. It reports whether a warm outcome
// was newly recorded.
func (a *Activity) LogCallOutcome(outcome CallOutcome, notes string, at time.Time) (bool, error) {
	if !slices.Contains(validCallOutcomes, outcome) {
		return false, ErrInvalidCallOutcome
	}
	if a.Status == ActivityPending {
		return false, ErrInvalidTransition
	}
	previous := a.Metadata.Outcome
	ts := notBefore(at, a.SentAt)
	a.Metadata.Outcome = outcome
	a.Metadata.OutcomeAt = &ts
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		a.Metadata.Notes = trimmed
	}
	a.touch(ts)
	return outcome.Warm() && outcome != previous, nil
}

// TimestampsOrdered reports whether created ≤ sent ≤ opened ≤ clicked holds
// for every non-nil stamp.
func (a Activity) TimestampsOrdered() bool {
	prev := a.CreatedAt
	for _, stamp := range []*time.Time{a.SentAt, a.OpenedAt, a.ClickedAt} {
		if stamp == nil {
			continue
		}
		if stamp.Before(prev) {
			return false
		}
		prev = *stamp
	}
	return true
}

func (a *Activity) latestStamp() *time.Time {
	latest := &a.CreatedAt
	for _, stamp := range []*time.Time{a.SentAt, a.OpenedAt, a.ClickedAt} {
		if stamp != nil && stamp.After(*latest) {
			latest = stamp
		}
	}
	return latest
}

func (a *Activity) touch(ts time.Time) {
	if ts.After(a.UpdatedAt) {
		a.UpdatedAt = ts
	}
}

func notBefore(at time.Time, floor *time.Time) time.Time {
	at = at.UTC()
	if floor != nil && at.Before(*floor) {
		return floor.UTC()
	}
	return at
}
