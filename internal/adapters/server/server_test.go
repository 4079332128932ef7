package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hylla/outreach/internal/adapters/server/common"
	"github.com/hylla/outreach/internal/tracking"
)

// stubService records beacon signals. Operator methods are unused here.
type stubService struct {
	common.OutreachService

	mu      sync.Mutex
	signals []common.SignalRequest
	err     error
}

func (s *stubService) RecordSignal(ctx context.Context, req common.SignalRequest) (common.SignalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return common.SignalResult{}, ctx.Err()
	}
	s.signals = append(s.signals, req)
	if s.err != nil {
		return common.SignalResult{}, s.err
	}
	return common.SignalResult{Applied: req.Token == "known"}, nil
}

func (s *stubService) recorded() []common.SignalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.SignalRequest(nil), s.signals...)
}

func newTestHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	handler, _, err := NewHandler(Config{}, deps)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return handler
}

func TestNewHandlerRequiresService(t *testing.T) {
	if _, _, err := NewHandler(Config{}, Dependencies{}); err == nil {
		t.Fatal("expected error for missing service")
	}
}

func TestNormalizeConfig(t *testing.T) {
	cfg, err := normalizeConfig(Config{APIEndpoint: "api/v2/", MCPEndpoint: " "})
	if err != nil {
		t.Fatalf("normalizeConfig() error = %v", err)
	}
	want := Config{HTTPBind: defaultBindAddress, APIEndpoint: "/api/v2", MCPEndpoint: "/mcp", ServerName: "outreach", ServerVersion: "dev"}
	if cfg != want {
		t.Fatalf("normalizeConfig() = %#v, want %#v", cfg, want)
	}
	if _, err := normalizeConfig(Config{APIEndpoint: "/mcp", MCPEndpoint: "/mcp"}); err == nil {
		t.Fatal("expected collision error for identical endpoints")
	}
	if _, err := normalizeConfig(Config{APIEndpoint: "/t/api"}); err == nil {
		t.Fatal("expected collision error for tracking prefix")
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ready := errors.New("db down")
	handler := newTestHandler(t, Dependencies{
		Service: &stubService{},
		Ready:   func(context.Context) error { return ready },
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	ready = nil
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestOpenBeaconAlwaysServesPixel(t *testing.T) {
	svc := &stubService{}
	handler := newTestHandler(t, Dependencies{Service: svc})

	for _, token := range []string{"known", "unknown"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/o/"+token, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("token %q status = %d, want %d", token, rec.Code, http.StatusOK)
		}
		if got := rec.Header().Get("Content-Type"); got != "image/gif" {
			t.Fatalf("Content-Type = %q, want image/gif", got)
		}
		if !bytes.Equal(rec.Body.Bytes(), transparentGIF) {
			t.Fatalf("body is not the tracking pixel")
		}
	}
	got := svc.recorded()
	if len(got) != 2 || got[0] != (common.SignalRequest{Token: "known", Type: "open"}) {
		t.Fatalf("unexpected recorded signals %#v", got)
	}
}

func TestOpenBeaconHidesServiceErrors(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Service: &stubService{err: errors.New("db down")}})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t/o/known", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestClickBeaconRedirectsOnlySignedTargets(t *testing.T) {
	signer := tracking.NewSigner("test-secret")
	target := "https://example.com/brochure?ref=1"
	cases := []struct {
		name         string
		signer       *tracking.Signer
		token        string
		target       string
		sig          string
		wantStatus   int
		wantLocation string
	}{
		{name: "signed target", signer: signer, token: "tok-1", target: target, sig: signer.Sign("tok-1", target), wantStatus: http.StatusFound, wantLocation: target},
		{name: "unsigned target", signer: signer, token: "tok-1", target: target, wantStatus: http.StatusOK},
		{name: "signature for another token", signer: signer, token: "tok-1", target: target, sig: signer.Sign("tok-2", target), wantStatus: http.StatusOK},
		{name: "tampered target", signer: signer, token: "tok-1", target: "https://evil.example/login", sig: signer.Sign("tok-1", target), wantStatus: http.StatusOK},
		{name: "signed javascript scheme", signer: signer, token: "tok-1", target: "javascript:alert(1)", sig: signer.Sign("tok-1", "javascript:alert(1)"), wantStatus: http.StatusOK},
		{name: "signed relative target", signer: signer, token: "tok-1", target: "/admin", sig: signer.Sign("tok-1", "/admin"), wantStatus: http.StatusOK},
		{name: "no target", signer: signer, token: "tok-1", wantStatus: http.StatusOK},
		{name: "no signer configured", token: "tok-1", target: target, sig: signer.Sign("tok-1", target), wantStatus: http.StatusOK},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			handler := newTestHandler(t, Dependencies{Service: svc, Signer: tt.signer})
			req := httptest.NewRequest(http.MethodGet, "/t/c/"+tt.token, nil)
			q := req.URL.Query()
			if tt.target != "" {
				q.Set("u", tt.target)
			}
			if tt.sig != "" {
				q.Set("s", tt.sig)
			}
			req.URL.RawQuery = q.Encode()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Location"); got != tt.wantLocation {
				t.Fatalf("Location = %q, want %q", got, tt.wantLocation)
			}
			if got := svc.recorded(); len(got) != 1 || got[0].Type != "click" || got[0].Token != tt.token {
				t.Fatalf("unexpected recorded signals %#v", got)
			}
		})
	}
}

func TestClickBeaconFollowsRenderedLink(t *testing.T) {
	signer := tracking.NewSigner("test-secret")
	handler := newTestHandler(t, Dependencies{Service: &stubService{}, Signer: signer})
	link := tracking.ClickURL("https://t.example.com", "tok-1", "https://example.com/a?b=1&c=2", signer)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, link, nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://example.com/a?b=1&c=2" {
		t.Fatalf("status = %d, Location = %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestBeaconSurvivesClientCancel(t *testing.T) {
	svc := &stubService{}
	handler := newTestHandler(t, Dependencies{Service: svc})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/t/o/known", nil).WithContext(ctx)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got := svc.recorded(); len(got) != 1 {
		t.Fatalf("expected signal recorded despite cancelled request, got %#v", got)
	}
}

func TestAPIIsMountedUnderPrefix(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Service: &stubService{}})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/not-a-route", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
}
