package mcpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hylla/outreach/internal/adapters/server/common"
	"github.com/mark3labs/mcp-go/mcp"
)

// stubService records the latest request per tool and returns fixtures.
type stubService struct {
	err error

	lastSignal   common.SignalRequest
	lastDispatch common.DispatchRequest
	lastQueue    common.ListQueueRequest
	lastAlerts   common.ListAlertsRequest
	lastOutcome  common.CallOutcomeRequest
	lastPlanLead string
	lastPlanOrg  string
	lastProfile  string
	lastActivity string
}

func (s *stubService) RecordSignal(_ context.Context, req common.SignalRequest) (common.SignalResult, error) {
	s.lastSignal = req
	if s.err != nil {
		return common.SignalResult{}, s.err
	}
	return common.SignalResult{Applied: true, From: "sent", To: "opened", Alerted: true}, nil
}

func (s *stubService) RecordSignals(_ context.Context, reqs []common.SignalRequest) (common.SignalBatchResult, error) {
	return common.SignalBatchResult{Received: len(reqs)}, s.err
}

func (s *stubService) IngestLead(_ context.Context, req common.IngestLeadRequest) (common.Lead, error) {
	return common.Lead{ID: req.ID}, s.err
}

func (s *stubService) PlanLead(_ context.Context, leadID string) (common.PlanReport, error) {
	s.lastPlanLead = leadID
	return common.PlanReport{Leads: 1, Planned: 2, Activities: []common.PlannedActivity{}}, s.err
}

func (s *stubService) PlanAll(_ context.Context, orgID string) (common.PlanReport, error) {
	s.lastPlanOrg = orgID
	return common.PlanReport{Leads: 5, Planned: 7, Activities: []common.PlannedActivity{}}, s.err
}

func (s *stubService) DispatchBatch(_ context.Context, req common.DispatchRequest) (common.DispatchReport, error) {
	s.lastDispatch = req
	if s.err != nil {
		return common.DispatchReport{}, s.err
	}
	return common.DispatchReport{OrgID: req.OrgID, Claimed: 3, Sent: 2, Retried: 1, Items: []common.DispatchItem{}}, nil
}

func (s *stubService) ReapStaleClaims(context.Context) (common.ReapResult, error) {
	return common.ReapResult{Reaped: 2}, s.err
}

func (s *stubService) ListQueue(_ context.Context, req common.ListQueueRequest) ([]common.QueueItem, error) {
	s.lastQueue = req
	return []common.QueueItem{{ID: "q1", Status: "pending"}, {ID: "q2", Status: "pending"}}, s.err
}

func (s *stubService) ListAlerts(_ context.Context, req common.ListAlertsRequest) ([]common.Alert, error) {
	s.lastAlerts = req
	return []common.Alert{{ID: "al-1", Kind: "clicked"}}, s.err
}

func (s *stubService) GetActivity(_ context.Context, id string) (common.Activity, error) {
	s.lastActivity = id
	if s.err != nil {
		return common.Activity{}, s.err
	}
	return common.Activity{ID: id, Status: "clicked"}, nil
}

func (s *stubService) LogCallOutcome(_ context.Context, req common.CallOutcomeRequest) (common.Activity, error) {
	s.lastOutcome = req
	if s.err != nil {
		return common.Activity{}, s.err
	}
	return common.Activity{ID: req.ActivityID, CallOutcome: req.Outcome}, nil
}

func (s *stubService) LeadProfile(_ context.Context, leadID string) (common.LeadProfile, error) {
	s.lastProfile = leadID
	if s.err != nil {
		return common.LeadProfile{}, s.err
	}
	return common.LeadProfile{LeadID: leadID, Vertical: "senior_living", Contacts: []common.RoleProfile{}}, nil
}

// jsonRPCResponse models minimal JSON-RPC response fields used in MCP adapter tests.
type jsonRPCResponse struct {
	ID     float64        `json:"id"`
	Result map[string]any `json:"result"`
}

// callToolRequest constructs one deterministic tools/call JSON-RPC request payload.
func callToolRequest(id int, toolName string, arguments map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": arguments,
		},
	}
}

// toolResultText decodes the first text entry from one tool-call result payload.
func toolResultText(t *testing.T, result map[string]any) string {
	t.Helper()
	contentRaw, ok := result["content"].([]any)
	if !ok || len(contentRaw) == 0 {
		t.Fatalf("content missing in tool result: %#v", result)
	}
	first, ok := contentRaw[0].(map[string]any)
	if !ok {
		t.Fatalf("first content entry has unexpected type: %#v", contentRaw[0])
	}
	text, ok := first["text"].(string)
	if !ok {
		t.Fatalf("content text missing in tool result: %#v", first)
	}
	return text
}

// toolResultStructured decodes structuredContent as one map for stable assertions.
func toolResultStructured(t *testing.T, result map[string]any) map[string]any {
	t.Helper()
	structured, ok := result["structuredContent"].(map[string]any)
	if !ok {
		t.Fatalf("structuredContent missing in tool result: %#v", result)
	}
	return structured
}

// postJSONRPC sends one JSON-RPC payload and decodes the response body.
func postJSONRPC(t *testing.T, client *http.Client, url string, payload any) (*http.Response, jsonRPCResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	var decoded jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return resp, decoded
}

// initializeRequest builds a deterministic MCP initialize request payload.
func initializeRequest() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo": map[string]any{
				"name":    "outreach-test",
				"version": "1.0.0",
			},
		},
	}
}

// newTestServer starts one MCP handler over svc and initializes a session.
func newTestServer(t *testing.T, svc common.OutreachService) *httptest.Server {
	t.Helper()
	handler, err := NewHandler(Config{}, svc)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	_, _ = postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	return server
}

// TestHandlerUsesStatelessTransport verifies MCP transport does not issue session ids.
func TestHandlerUsesStatelessTransport(t *testing.T) {
	handler, err := NewHandler(Config{}, &stubService{})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, decoded := postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if decoded.ID != 1 {
		t.Fatalf("id = %v, want 1", decoded.ID)
	}
	if got := resp.Header.Get("Mcp-Session-Id"); got != "" {
		t.Fatalf("Mcp-Session-Id header = %q, want empty (stateless transport)", got)
	}
}

// TestHandlerRegistersOutreachTools verifies tool discovery lists every operator tool.
func TestHandlerRegistersOutreachTools(t *testing.T) {
	server := newTestServer(t, &stubService{})
	_, toolsResp := postJSONRPC(t, server.Client(), server.URL, map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})

	toolsRaw, ok := toolsResp.Result["tools"].([]any)
	if !ok {
		t.Fatalf("tools list payload missing tools: %#v", toolsResp.Result)
	}
	toolNames := make([]string, 0, len(toolsRaw))
	for _, toolRaw := range toolsRaw {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		toolNames = append(toolNames, name)
	}
	for _, required := range []string{
		"outreach.dispatch_batch",
		"outreach.list_queue",
		"outreach.record_signal",
		"outreach.plan_lead",
		"outreach.log_call_outcome",
		"outreach.classify_lead",
		"outreach.list_alerts",
		"outreach.reap_stale_claims",
		"outreach.get_activity",
	} {
		if !slices.Contains(toolNames, required) {
			t.Fatalf("tool list missing %q: %#v", required, toolNames)
		}
	}
}

// TestHandlerDispatchAndQueueTools verifies argument mapping and structured results.
func TestHandlerDispatchAndQueueTools(t *testing.T) {
	svc := &stubService{}
	server := newTestServer(t, svc)

	_, dispatchResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "outreach.dispatch_batch", map[string]any{
		"org_id": "org-1",
		"cap":    10,
	}))
	if svc.lastDispatch != (common.DispatchRequest{OrgID: "org-1", Cap: 10}) {
		t.Fatalf("unexpected dispatch request %#v", svc.lastDispatch)
	}
	report := toolResultStructured(t, dispatchResp.Result)
	if sent, _ := report["sent"].(float64); sent != 2 {
		t.Fatalf("sent = %#v, want 2", report["sent"])
	}

	_, queueResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "outreach.list_queue", map[string]any{
		"status": "pending",
		"limit":  25,
	}))
	if svc.lastQueue != (common.ListQueueRequest{Status: "pending", Limit: 25}) {
		t.Fatalf("unexpected queue request %#v", svc.lastQueue)
	}
	items, ok := toolResultStructured(t, queueResp.Result)["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("items = %#v, want two rows", items)
	}

	_, reapResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "outreach.reap_stale_claims", map[string]any{}))
	if reaped, _ := toolResultStructured(t, reapResp.Result)["reaped"].(float64); reaped != 2 {
		t.Fatalf("reaped = %v, want 2", reaped)
	}
}

// TestHandlerPlanningTools verifies lead and org planning plus classification.
func TestHandlerPlanningTools(t *testing.T) {
	svc := &stubService{}
	server := newTestServer(t, svc)

	_, _ = postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "outreach.plan_lead", map[string]any{"lead_id": "lead-1"}))
	if svc.lastPlanLead != "lead-1" {
		t.Fatalf("plan lead id = %q, want lead-1", svc.lastPlanLead)
	}
	_, orgResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "outreach.plan_lead", map[string]any{"org_id": "org-2"}))
	if svc.lastPlanOrg != "org-2" {
		t.Fatalf("plan org id = %q, want org-2", svc.lastPlanOrg)
	}
	if planned, _ := toolResultStructured(t, orgResp.Result)["planned"].(float64); planned != 7 {
		t.Fatalf("planned = %v, want 7", planned)
	}

	_, missingResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "outreach.plan_lead", map[string]any{}))
	if isError, _ := missingResp.Result["isError"].(bool); !isError {
		t.Fatalf("isError = %v, want true", missingResp.Result["isError"])
	}
	if text := toolResultText(t, missingResp.Result); !strings.HasPrefix(text, "invalid_request:") {
		t.Fatalf("error text = %q, want invalid_request prefix", text)
	}

	_, profileResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(6, "outreach.classify_lead", map[string]any{"lead_id": "lead-9"}))
	if vertical, _ := toolResultStructured(t, profileResp.Result)["vertical"].(string); vertical != "senior_living" {
		t.Fatalf("vertical = %q, want senior_living", vertical)
	}
}

// TestHandlerEngagementTools verifies signal, call outcome, activity, and alert tools.
func TestHandlerEngagementTools(t *testing.T) {
	svc := &stubService{}
	server := newTestServer(t, svc)

	_, signalResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "outreach.record_signal", map[string]any{
		"token":       "tok-1",
		"type":        "open",
		"observed_at": "2026-02-21T11:30:00Z",
	}))
	if svc.lastSignal.Token != "tok-1" || svc.lastSignal.Type != "open" {
		t.Fatalf("unexpected signal request %#v", svc.lastSignal)
	}
	if !svc.lastSignal.ObservedAt.Equal(time.Date(2026, 2, 21, 11, 30, 0, 0, time.UTC)) {
		t.Fatalf("observed_at = %s", svc.lastSignal.ObservedAt)
	}
	if alerted, _ := toolResultStructured(t, signalResp.Result)["alerted"].(bool); !alerted {
		t.Fatalf("alerted = false, want true")
	}

	_, badTimeResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "outreach.record_signal", map[string]any{
		"token":       "tok-1",
		"type":        "open",
		"observed_at": "yesterday",
	}))
	if isError, _ := badTimeResp.Result["isError"].(bool); !isError {
		t.Fatalf("isError = %v, want true", badTimeResp.Result["isError"])
	}

	_, _ = postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "outreach.log_call_outcome", map[string]any{
		"activity_id": "act-1",
		"outcome":     "interested",
		"notes":       "send pricing",
	}))
	if svc.lastOutcome != (common.CallOutcomeRequest{ActivityID: "act-1", Outcome: "interested", Notes: "send pricing"}) {
		t.Fatalf("unexpected call outcome request %#v", svc.lastOutcome)
	}

	_, activityResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(6, "outreach.get_activity", map[string]any{"activity_id": "act-1"}))
	if status, _ := toolResultStructured(t, activityResp.Result)["status"].(string); status != "clicked" {
		t.Fatalf("status = %q, want clicked", status)
	}

	_, alertsResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(7, "outreach.list_alerts", map[string]any{
		"org_id": "org-1",
		"since":  "2026-02-20T00:00:00Z",
	}))
	if svc.lastAlerts.OrgID != "org-1" || svc.lastAlerts.Since.IsZero() {
		t.Fatalf("unexpected alerts request %#v", svc.lastAlerts)
	}
	alerts, ok := toolResultStructured(t, alertsResp.Result)["alerts"].([]any)
	if !ok || len(alerts) != 1 {
		t.Fatalf("alerts = %#v, want one row", alerts)
	}
}

// TestHandlerToolErrors verifies missing arguments and mapped service errors.
func TestHandlerToolErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		tool       string
		args       map[string]any
		wantPrefix string
	}{
		{
			name:       "missing required argument",
			tool:       "outreach.log_call_outcome",
			args:       map[string]any{"activity_id": "act-1"},
			wantPrefix: "required argument",
		},
		{
			name:       "not found",
			err:        errors.Join(common.ErrNotFound, errors.New("missing")),
			tool:       "outreach.get_activity",
			args:       map[string]any{"activity_id": "act-404"},
			wantPrefix: "not_found:",
		},
		{
			name:       "invalid request",
			err:        errors.Join(common.ErrInvalidRequest, errors.New("bad outcome")),
			tool:       "outreach.log_call_outcome",
			args:       map[string]any{"activity_id": "act-1", "outcome": "interested"},
			wantPrefix: "invalid_request:",
		},
		{
			name:       "conflict",
			err:        errors.Join(common.ErrConflict, errors.New("version moved")),
			tool:       "outreach.dispatch_batch",
			args:       map[string]any{},
			wantPrefix: "conflict:",
		},
		{
			name:       "internal",
			err:        errors.New("boom"),
			tool:       "outreach.classify_lead",
			args:       map[string]any{"lead_id": "lead-1"},
			wantPrefix: "internal_error:",
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t, &stubService{err: tt.err})
			_, resp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(9, tt.tool, tt.args))
			if isError, _ := resp.Result["isError"].(bool); !isError {
				t.Fatalf("isError = %v, want true", resp.Result["isError"])
			}
			if text := toolResultText(t, resp.Result); !strings.HasPrefix(text, tt.wantPrefix) {
				t.Fatalf("error text = %q, want prefix %q", text, tt.wantPrefix)
			}
		})
	}
}

// TestNewHandlerRequiresService verifies the service dependency is enforced.
func TestNewHandlerRequiresService(t *testing.T) {
	handler, err := NewHandler(Config{}, nil)
	if err == nil {
		t.Fatalf("NewHandler() error = nil, want non-nil")
	}
	if handler != nil {
		t.Fatalf("handler = %#v, want nil", handler)
	}
}

// TestNormalizeConfig verifies deterministic config defaults and path normalization.
func TestNormalizeConfig(t *testing.T) {
	cases := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "defaults",
			in:   Config{},
			want: Config{ServerName: "outreach", ServerVersion: "dev", EndpointPath: "/mcp"},
		},
		{
			name: "trimmed values and slash prefix",
			in:   Config{ServerName: " outreach-ops ", ServerVersion: " v1.2.3 ", EndpointPath: "custom/path"},
			want: Config{ServerName: "outreach-ops", ServerVersion: "v1.2.3", EndpointPath: "/custom/path"},
		},
		{
			name: "endpoint trim of repeated slashes",
			in:   Config{EndpointPath: "///mcp///"},
			want: Config{ServerName: "outreach", ServerVersion: "dev", EndpointPath: "/mcp"},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeConfig(tt.in); got != tt.want {
				t.Fatalf("normalizeConfig() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

// TestHandlerServeHTTPUnavailable verifies nil handler paths fail closed with 503.
func TestHandlerServeHTTPUnavailable(t *testing.T) {
	for _, handler := range []*Handler{nil, {}} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
	}
}
