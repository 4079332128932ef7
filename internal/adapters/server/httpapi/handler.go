// Package httpapi provides the REST HTTP adapter for the operator and signal surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/adapters/server/common"
	"github.com/hylla/outreach/internal/adapters/signals"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	service common.OutreachService
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter over the outreach service.
func NewHandler(service common.OutreachService) *Handler {
	return &Handler{service: service}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "outreach service is not configured",
		})
		return
	}
	path := normalizePath(r.URL.Path)
	switch path {
	case "signals":
		h.route(w, r, http.MethodPost, h.handleSignals)
		return
	case "leads":
		h.route(w, r, http.MethodPost, h.handleIngestLead)
		return
	case "plan":
		h.route(w, r, http.MethodPost, h.handlePlan)
		return
	case "dispatch":
		h.route(w, r, http.MethodPost, h.handleDispatch)
		return
	case "reap":
		h.route(w, r, http.MethodPost, h.handleReap)
		return
	case "queue":
		h.route(w, r, http.MethodGet, h.handleListQueue)
		return
	case "alerts":
		h.route(w, r, http.MethodGet, h.handleListAlerts)
		return
	}

	if id, action, ok := resolveResource(path, "leads/"); ok {
		switch action {
		case "plan":
			h.route(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.handlePlanLead(w, r, id) })
			return
		case "profile":
			h.route(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) { h.handleLeadProfile(w, r, id) })
			return
		}
	}
	if id, action, ok := resolveResource(path, "activities/"); ok {
		switch action {
		case "":
			h.route(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) { h.handleGetActivity(w, r, id) })
			return
		case "call_outcome":
			h.route(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) { h.handleCallOutcome(w, r, id) })
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, APIError{
		Code:    "not_found",
		Message: "endpoint not found",
	})
}

// route enforces one allowed method before delegating.
func (h *Handler) route(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		writeMethodNotAllowed(w, method)
		return
	}
	next(w, r)
}

// handleSignals serves POST `/signals`. Relayed webhook batches always answer
// 200 with counts so callers cannot probe which tokens exist.
func (h *Handler) handleSignals(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeErrorFrom(w, fmt.Errorf("read signal body: %w", errors.Join(common.ErrInvalidRequest, err)))
		return
	}
	events, err := signals.Decode(data)
	if err != nil {
		writeErrorFrom(w, fmt.Errorf("decode signal body: %w", errors.Join(common.ErrInvalidRequest, err)))
		return
	}
	batch := make([]common.SignalRequest, 0, len(events))
	for _, e := range events {
		batch = append(batch, common.SignalRequest{Token: e.Token, Type: e.Type, ObservedAt: e.ObservedAt})
	}
	result, err := h.service.RecordSignals(r.Context(), batch)
	if err != nil {
		// Per-event failures are already counted in result.Errors.
		result.Errors = max(result.Errors, 1)
	}
	writeJSON(w, http.StatusOK, result)
}

// handleIngestLead serves POST `/leads`.
func (h *Handler) handleIngestLead(w http.ResponseWriter, r *http.Request) {
	var req common.IngestLeadRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	lead, err := h.service.IngestLead(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

// handlePlan serves POST `/plan` for one lead or a whole organization.
func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req common.PlanRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	var (
		report common.PlanReport
		err    error
	)
	if leadID := strings.TrimSpace(req.LeadID); leadID != "" {
		report, err = h.service.PlanLead(r.Context(), leadID)
	} else {
		report, err = h.service.PlanAll(r.Context(), req.OrgID)
	}
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handlePlanLead serves POST `/leads/{id}/plan`.
func (h *Handler) handlePlanLead(w http.ResponseWriter, r *http.Request, leadID string) {
	report, err := h.service.PlanLead(r.Context(), leadID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleLeadProfile serves GET `/leads/{id}/profile`.
func (h *Handler) handleLeadProfile(w http.ResponseWriter, r *http.Request, leadID string) {
	profile, err := h.service.LeadProfile(r.Context(), leadID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleDispatch serves POST `/dispatch`.
func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req common.DispatchRequest
	if err := decodeOptionalJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	report, err := h.service.DispatchBatch(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleReap serves POST `/reap`.
func (h *Handler) handleReap(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReapStaleClaims(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListQueue serves GET `/queue`.
func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	items, err := h.service.ListQueue(r.Context(), common.ListQueueRequest{
		OrgID:  strings.TrimSpace(query.Get("org_id")),
		Status: strings.TrimSpace(query.Get("status")),
		Limit:  limit,
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
	})
}

// handleListAlerts serves GET `/alerts`.
func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	req := common.ListAlertsRequest{
		OrgID: strings.TrimSpace(query.Get("org_id")),
		Limit: limit,
	}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, APIError{
				Code:    "invalid_request",
				Message: "since must be an RFC3339 timestamp",
			})
			return
		}
		req.Since = since
	}
	alerts, err := h.service.ListAlerts(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
	})
}

// handleGetActivity serves GET `/activities/{id}`.
func (h *Handler) handleGetActivity(w http.ResponseWriter, r *http.Request, id string) {
	activity, err := h.service.GetActivity(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

// handleCallOutcome serves POST `/activities/{id}/call_outcome`.
func (h *Handler) handleCallOutcome(w http.ResponseWriter, r *http.Request, id string) {
	var req common.CallOutcomeRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.ActivityID = id
	activity, err := h.service.LogCallOutcome(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

// resolveResource parses `{prefix}{id}` or `{prefix}{id}/{action}`.
func resolveResource(path, prefix string) (string, string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	id, action, _ := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(action, "/") {
		return "", "", false
	}
	return id, action, true
}

// parseLimit parses an optional positive limit query value.
func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer: %w", common.ErrInvalidRequest)
	}
	return n, nil
}

// normalizePath canonicalizes one request path for route matching.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return path
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
	case errors.Is(err, common.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrConflict):
		writeJSONError(w, http.StatusConflict, APIError{
			Code:    "conflict",
			Message: err.Error(),
			Hint:    "Retry the request.",
		})
	case errors.Is(err, common.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: err.Error(),
		})
	default:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: err.Error(),
		})
	}
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

// decodeOptionalJSONBody decodes one optional JSON body and ignores empty payloads.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if err == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request canceled: %w", ctx.Err())
		default:
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
}
