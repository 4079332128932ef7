package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hylla/outreach/internal/adapters/server/common"
)

// stubService records requests and returns configured fixtures.
type stubService struct {
	err error

	signals      []common.SignalRequest
	signalResult common.SignalBatchResult
	ingested     common.IngestLeadRequest
	plannedLead  string
	plannedOrg   string
	dispatchReq  common.DispatchRequest
	queueReq     common.ListQueueRequest
	alertsReq    common.ListAlertsRequest
	activityID   string
	callOutcome  common.CallOutcomeRequest
	profileLead  string
	reapCalls    int
}

func (s *stubService) RecordSignal(_ context.Context, req common.SignalRequest) (common.SignalResult, error) {
	s.signals = append(s.signals, req)
	return common.SignalResult{}, s.err
}

func (s *stubService) RecordSignals(_ context.Context, reqs []common.SignalRequest) (common.SignalBatchResult, error) {
	s.signals = append(s.signals, reqs...)
	return s.signalResult, s.err
}

func (s *stubService) IngestLead(_ context.Context, req common.IngestLeadRequest) (common.Lead, error) {
	s.ingested = req
	if s.err != nil {
		return common.Lead{}, s.err
	}
	return common.Lead{ID: "lead-1", OrgID: req.OrgID, Name: req.Name, Categories: []string{}, Contacts: []common.Contact{}}, nil
}

func (s *stubService) PlanLead(_ context.Context, leadID string) (common.PlanReport, error) {
	s.plannedLead = leadID
	return common.PlanReport{Leads: 1, Planned: 1, Activities: []common.PlannedActivity{}}, s.err
}

func (s *stubService) PlanAll(_ context.Context, orgID string) (common.PlanReport, error) {
	s.plannedOrg = orgID
	return common.PlanReport{Leads: 3, Planned: 2, Activities: []common.PlannedActivity{}}, s.err
}

func (s *stubService) DispatchBatch(_ context.Context, req common.DispatchRequest) (common.DispatchReport, error) {
	s.dispatchReq = req
	return common.DispatchReport{OrgID: req.OrgID, Claimed: 2, Sent: 2, Items: []common.DispatchItem{}}, s.err
}

func (s *stubService) ReapStaleClaims(context.Context) (common.ReapResult, error) {
	s.reapCalls++
	return common.ReapResult{Reaped: 4}, s.err
}

func (s *stubService) ListQueue(_ context.Context, req common.ListQueueRequest) ([]common.QueueItem, error) {
	s.queueReq = req
	return []common.QueueItem{{ID: "q1", Status: "pending"}}, s.err
}

func (s *stubService) ListAlerts(_ context.Context, req common.ListAlertsRequest) ([]common.Alert, error) {
	s.alertsReq = req
	return []common.Alert{{ID: "al-1", Kind: "opened"}}, s.err
}

func (s *stubService) GetActivity(_ context.Context, id string) (common.Activity, error) {
	s.activityID = id
	if s.err != nil {
		return common.Activity{}, s.err
	}
	return common.Activity{ID: id, Status: "sent"}, nil
}

func (s *stubService) LogCallOutcome(_ context.Context, req common.CallOutcomeRequest) (common.Activity, error) {
	s.callOutcome = req
	if s.err != nil {
		return common.Activity{}, s.err
	}
	return common.Activity{ID: req.ActivityID, CallOutcome: req.Outcome}, nil
}

func (s *stubService) LeadProfile(_ context.Context, leadID string) (common.LeadProfile, error) {
	s.profileLead = leadID
	return common.LeadProfile{LeadID: leadID, Vertical: "hospitality", Contacts: []common.RoleProfile{}}, s.err
}

// serve runs one request through the handler.
func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// decodeErrorEnvelope decodes one structured API error response from the recorder body.
func decodeErrorEnvelope(t *testing.T, rec *httptest.ResponseRecorder) ErrorEnvelope {
	t.Helper()
	var envelope ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return envelope
}

// TestHandlerSignalsAcceptsBothEventShapes verifies native and relayed event decoding.
func TestHandlerSignalsAcceptsBothEventShapes(t *testing.T) {
	svc := &stubService{signalResult: common.SignalBatchResult{Received: 2, Ignored: 2}}
	handler := NewHandler(svc)

	rec := serve(t, handler, http.MethodPost, "/signals", `[
		{"token":"tok-1","type":"open","observed_at":"2026-02-21T11:00:00Z"},
		{"tracking_token":"tok-2","event":"click","timestamp":1771675200}
	]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(svc.signals) != 2 {
		t.Fatalf("expected 2 forwarded signals, got %#v", svc.signals)
	}
	if svc.signals[0].Token != "tok-1" || svc.signals[0].Type != "open" {
		t.Fatalf("unexpected first signal %#v", svc.signals[0])
	}
	if svc.signals[1].Token != "tok-2" || svc.signals[1].Type != "click" {
		t.Fatalf("unexpected second signal %#v", svc.signals[1])
	}
	if want := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC); !svc.signals[1].ObservedAt.Equal(want) {
		t.Fatalf("observed_at = %s, want %s", svc.signals[1].ObservedAt, want)
	}
	var got common.SignalBatchResult
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Received != 2 || got.Ignored != 2 {
		t.Fatalf("unexpected batch result %#v", got)
	}
}

// TestHandlerSignalsStaysOKOnServiceErrors verifies store failures do not leak as status codes.
func TestHandlerSignalsStaysOKOnServiceErrors(t *testing.T) {
	svc := &stubService{err: errors.New("db down"), signalResult: common.SignalBatchResult{Received: 1}}
	rec := serve(t, NewHandler(svc), http.MethodPost, "/signals", `{"token":"tok-1","type":"open"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got common.SignalBatchResult
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Errors != 1 {
		t.Fatalf("errors = %d, want 1", got.Errors)
	}
}

// TestHandlerSignalsRejectsMalformedBody verifies undecodable JSON maps to 400.
func TestHandlerSignalsRejectsMalformedBody(t *testing.T) {
	svc := &stubService{}
	rec := serve(t, NewHandler(svc), http.MethodPost, "/signals", `{"token":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if envelope := decodeErrorEnvelope(t, rec); envelope.Error.Code != "invalid_request" {
		t.Fatalf("error.code = %q, want invalid_request", envelope.Error.Code)
	}
	if len(svc.signals) != 0 {
		t.Fatalf("expected no forwarded signals, got %#v", svc.signals)
	}
}

// TestHandlerOperatorRoutes verifies request mapping for every operator endpoint.
func TestHandlerOperatorRoutes(t *testing.T) {
	svc := &stubService{}
	handler := NewHandler(svc)

	rec := serve(t, handler, http.MethodPost, "/leads", `{"org_id":"org-1","name":"Harbor Point","categories":["Hotel"],"contacts":[{"email":"taylor@example.com","title":"Owner"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if svc.ingested.OrgID != "org-1" || len(svc.ingested.Contacts) != 1 {
		t.Fatalf("unexpected ingest request %#v", svc.ingested)
	}

	if rec := serve(t, handler, http.MethodPost, "/leads/lead-1/plan", ""); rec.Code != http.StatusOK || svc.plannedLead != "lead-1" {
		t.Fatalf("plan lead status = %d, lead = %q", rec.Code, svc.plannedLead)
	}
	if rec := serve(t, handler, http.MethodPost, "/plan", `{"org_id":"org-9"}`); rec.Code != http.StatusOK || svc.plannedOrg != "org-9" {
		t.Fatalf("plan all status = %d, org = %q", rec.Code, svc.plannedOrg)
	}
	if rec := serve(t, handler, http.MethodPost, "/plan", `{"lead_id":"lead-2"}`); rec.Code != http.StatusOK || svc.plannedLead != "lead-2" {
		t.Fatalf("plan by body status = %d, lead = %q", rec.Code, svc.plannedLead)
	}

	rec = serve(t, handler, http.MethodPost, "/dispatch", `{"org_id":"org-1","cap":25}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.dispatchReq.OrgID != "org-1" || svc.dispatchReq.Cap != 25 {
		t.Fatalf("unexpected dispatch request %#v", svc.dispatchReq)
	}
	if rec := serve(t, handler, http.MethodPost, "/dispatch", ""); rec.Code != http.StatusOK {
		t.Fatalf("dispatch without body status = %d", rec.Code)
	}

	rec = serve(t, handler, http.MethodPost, "/reap", "")
	var reaped common.ReapResult
	if err := json.NewDecoder(rec.Body).Decode(&reaped); err != nil || reaped.Reaped != 4 || svc.reapCalls != 1 {
		t.Fatalf("reap = %#v, %v, calls %d", reaped, err, svc.reapCalls)
	}

	rec = serve(t, handler, http.MethodGet, "/queue?org_id=org-1&status=pending&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.queueReq != (common.ListQueueRequest{OrgID: "org-1", Status: "pending", Limit: 5}) {
		t.Fatalf("unexpected queue request %#v", svc.queueReq)
	}
	var listed struct {
		Items []common.QueueItem `json:"items"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil || len(listed.Items) != 1 {
		t.Fatalf("queue payload = %#v, %v", listed, err)
	}

	rec = serve(t, handler, http.MethodGet, "/alerts?org_id=org-1&since=2026-02-20T00:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !svc.alertsReq.Since.Equal(time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("since = %s", svc.alertsReq.Since)
	}

	rec = serve(t, handler, http.MethodGet, "/activities/act-1", "")
	if rec.Code != http.StatusOK || svc.activityID != "act-1" {
		t.Fatalf("activity status = %d, id = %q", rec.Code, svc.activityID)
	}

	rec = serve(t, handler, http.MethodPost, "/activities/act-1/call_outcome", `{"outcome":"callback","notes":"Tuesday 10am"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("call outcome status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.callOutcome != (common.CallOutcomeRequest{ActivityID: "act-1", Outcome: "callback", Notes: "Tuesday 10am"}) {
		t.Fatalf("unexpected call outcome request %#v", svc.callOutcome)
	}

	rec = serve(t, handler, http.MethodGet, "/leads/lead-1/profile", "")
	var profile common.LeadProfile
	if err := json.NewDecoder(rec.Body).Decode(&profile); err != nil || profile.Vertical != "hospitality" || svc.profileLead != "lead-1" {
		t.Fatalf("profile = %#v, %v", profile, err)
	}
}

// TestHandlerErrorMapping verifies structured status mapping for service errors.
func TestHandlerErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid request",
			err:        errors.Join(common.ErrInvalidRequest, errors.New("bad outcome")),
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "not found",
			err:        errors.Join(common.ErrNotFound, errors.New("missing")),
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "conflict",
			err:        errors.Join(common.ErrConflict, errors.New("version moved")),
			wantStatus: http.StatusConflict,
			wantCode:   "conflict",
		},
		{
			name:       "unavailable",
			err:        common.ErrUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "service_unavailable",
		},
		{
			name:       "internal error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(&stubService{err: tt.err})
			rec := serve(t, handler, http.MethodGet, "/activities/act-1", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if envelope := decodeErrorEnvelope(t, rec); envelope.Error.Code != tt.wantCode {
				t.Fatalf("error.code = %q, want %q", envelope.Error.Code, tt.wantCode)
			}
		})
	}
}

// TestHandlerRouteGuards verifies method guards, body checks, and unknown-route handling.
func TestHandlerRouteGuards(t *testing.T) {
	handler := NewHandler(&stubService{})

	cases := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
		wantAllow  string
	}{
		{
			name:       "dispatch requires post",
			method:     http.MethodGet,
			path:       "/dispatch",
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "method_not_allowed",
			wantAllow:  http.MethodPost,
		},
		{
			name:       "queue requires get",
			method:     http.MethodPost,
			path:       "/queue",
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "method_not_allowed",
			wantAllow:  http.MethodGet,
		},
		{
			name:       "call outcome requires post",
			method:     http.MethodGet,
			path:       "/activities/act-1/call_outcome",
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "method_not_allowed",
			wantAllow:  http.MethodPost,
		},
		{
			name:       "unknown route returns not found",
			method:     http.MethodGet,
			path:       "/not/a/route",
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "nested activity path returns not found",
			method:     http.MethodGet,
			path:       "/activities/act-1/call_outcome/extra",
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:       "unknown body fields are rejected",
			method:     http.MethodPost,
			path:       "/leads",
			body:       `{"org_id":"org-1","name":"x","surprise":true}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "trailing content is rejected",
			method:     http.MethodPost,
			path:       "/activities/act-1/call_outcome",
			body:       `{"outcome":"callback"} {}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "negative limit is rejected",
			method:     http.MethodGet,
			path:       "/queue?limit=-1",
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:       "bad since is rejected",
			method:     http.MethodGet,
			path:       "/alerts?since=yesterday",
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, handler, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			envelope := decodeErrorEnvelope(t, rec)
			if envelope.Error.Code != tt.wantCode {
				t.Fatalf("error.code = %q, want %q", envelope.Error.Code, tt.wantCode)
			}
			if got := rec.Header().Get("Allow"); got != tt.wantAllow {
				t.Fatalf("Allow header = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

// TestHandlerServiceUnavailable verifies a nil service maps to 503.
func TestHandlerServiceUnavailable(t *testing.T) {
	rec := serve(t, NewHandler(nil), http.MethodGet, "/queue", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if envelope := decodeErrorEnvelope(t, rec); envelope.Error.Code != "service_unavailable" {
		t.Fatalf("error.code = %q, want service_unavailable", envelope.Error.Code)
	}
}
