package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hylla/outreach/internal/domain"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeContent struct {
	mu    sync.Mutex
	calls int
	err   error
	body  string
}

func (f *fakeContent) Generate(ctx context.Context, templateID string, vars map[string]string) (Content, error) {
	f.mu.Lock()
	f.calls++
	err, body := f.err, f.body
	f.mu.Unlock()
	if err != nil {
		return Content{}, err
	}
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	if body == "" {
		body = "Hi " + vars["firstName"] + ",\n\nbody"
	}
	return Content{Subject: templateID + " for " + vars["firstName"], Body: body}, nil
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []Message
	sendFunc func(context.Context, Message) error
}

func (f *fakeTransport) Send(ctx context.Context, msg Message) (SendReceipt, error) {
	f.mu.Lock()
	fn := f.sendFunc
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, msg); err != nil {
			return SendReceipt{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return SendReceipt{MessageID: fmt.Sprintf("msg-%d", len(f.sent))}, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []domain.Alert
	err    error
}

func (f *fakeNotifier) Notify(_ context.Context, alert domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type testEnv struct {
	repo      *fakeRepo
	clock     *testClock
	content   *fakeContent
	transport *fakeTransport
	notifier  *fakeNotifier
	svc       *Service
}

func newTestEnv(t *testing.T, mutate func(*ServiceConfig)) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      newFakeRepo(),
		clock:     &testClock{now: testNow},
		content:   &fakeContent{},
		transport: &fakeTransport{},
		notifier:  &fakeNotifier{},
	}
	var seq atomic.Int64
	idGen := func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }
	cfg := ServiceConfig{
		Content:         env.content,
		Transport:       env.transport,
		Notifier:        env.notifier,
		TrackingBaseURL: "https://track.example.com/",
		SenderName:      "Sam",
		Planner:         PlannerConfig{CooldownDays: 7},
		Dispatch: DispatchConfig{
			BatchCap:            30,
			Workers:             4,
			CollaboratorTimeout: time.Second,
			MaxAttempts:         3,
			Backoff:             BackoffPolicy{Base: time.Minute, Cap: time.Hour, JitterFraction: 0.2},
			StaleClaimAfter:     15 * time.Minute,
		},
		Jitter: func() float64 { return 0.5 },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.svc = NewService(env.repo, idGen, env.clock.Now, cfg)
	return env
}

// ingestHotel stores the hotel lead with a single owner contact.
func (e *testEnv) ingestHotel(t *testing.T) (domain.Lead, domain.Contact) {
	t.Helper()
	lead, contacts, err := e.svc.IngestLead(context.Background(), IngestLeadInput{
		Lead: domain.LeadInput{
			ID:         "lead-1",
			OrgID:      "org-1",
			Name:       "Harbor Point",
			Categories: []string{"Hotel"},
			Stage:      "Planning",
			Value:      18_000_000,
			City:       "Austin",
			State:      "tx",
			Score:      70,
		},
		Contacts: []domain.ContactInput{{Title: "Owner", Email: "Taylor@Example.com"}},
	})
	if err != nil {
		t.Fatalf("IngestLead() error = %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("expected one contact, got %d", len(contacts))
	}
	return lead, contacts[0]
}

func TestIngestLeadReusesContactsByEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, first := env.ingestHotel(t)

	lead, contacts, err := env.svc.IngestLead(ctx, IngestLeadInput{
		Lead: domain.LeadInput{ID: "lead-2", OrgID: "org-1", Name: "Ridge Commons", Categories: []string{"apartments"}},
		Contacts: []domain.ContactInput{
			{Name: "Taylor Brooks", Email: "taylor@example.com"},
			{Title: "CFO", Email: "pat@example.com"},
		},
	})
	if err != nil {
		t.Fatalf("IngestLead() error = %v", err)
	}
	if contacts[0].ID != first.ID {
		t.Fatalf("expected contact reuse, got %q want %q", contacts[0].ID, first.ID)
	}
	if contacts[0].Name != "Taylor Brooks" || contacts[0].Title != "Owner" {
		t.Fatalf("expected name update and title kept, got %#v", contacts[0])
	}
	if len(lead.ContactIDs) != 2 {
		t.Fatalf("expected two contact ids, got %#v", lead.ContactIDs)
	}

	again, _, err := env.svc.IngestLead(ctx, IngestLeadInput{
		Lead:     domain.LeadInput{ID: "lead-2", OrgID: "org-1", Name: "Ridge Commons"},
		Contacts: []domain.ContactInput{{Email: "lee@example.com"}},
	})
	if err != nil {
		t.Fatalf("IngestLead() re-ingest error = %v", err)
	}
	if len(again.ContactIDs) != 3 {
		t.Fatalf("expected contacts to accumulate across ingests, got %#v", again.ContactIDs)
	}
}

func TestIngestLeadValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _, err := env.svc.IngestLead(context.Background(), IngestLeadInput{Lead: domain.LeadInput{Name: "x"}})
	if !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	_, _, err = env.svc.IngestLead(context.Background(), IngestLeadInput{
		Lead:     domain.LeadInput{OrgID: "org-1"},
		Contacts: []domain.ContactInput{{Email: "not-an-email"}},
	})
	if !errors.Is(err, domain.ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestClassifyLeadUsesStoredContacts(t *testing.T) {
	env := newTestEnv(t, nil)
	_, contact := env.ingestHotel(t)
	lp, err := env.svc.ClassifyLead(context.Background(), "lead-1")
	if err != nil {
		t.Fatalf("ClassifyLead() error = %v", err)
	}
	if lp.Profile.Vertical != domain.VerticalHospitality || lp.Profile.RoleFor(contact.ID) != domain.RoleOwner {
		t.Fatalf("unexpected profile %#v", lp.Profile)
	}
	if _, err := env.svc.ClassifyLead(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListQueueRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.svc.ListQueue(context.Background(), QueueFilter{Status: "stuck"}); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{Permanent("send", errors.New("invalid recipient")), FailurePermanent},
		{fmt.Errorf("wrapped: %w", Permanent("send", errors.New("policy"))), FailurePermanent},
		{Transient("send", errors.New("503")), FailureTransient},
		{context.DeadlineExceeded, FailureTransient},
		{errors.New("mystery"), FailureTransient},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.err); got != tc.want {
			t.Fatalf("ClassifyFailure(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestStatusFailure(t *testing.T) {
	cases := map[int]FailureKind{
		400: FailurePermanent,
		401: FailurePermanent,
		404: FailurePermanent,
		408: FailureTransient,
		429: FailureTransient,
		500: FailureTransient,
		503: FailureTransient,
	}
	for status, want := range cases {
		err := StatusFailure("send", status, " upstream said no ")
		if got := ClassifyFailure(err); got != want {
			t.Fatalf("StatusFailure(%d) kind = %q, want %q", status, got, want)
		}
		if !strings.Contains(err.Error(), "upstream said no") {
			t.Fatalf("expected body in error, got %q", err.Error())
		}
	}
}
