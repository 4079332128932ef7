// Package mcpapi provides a stateless MCP streamable-HTTP adapter exposing
// operator tools over the outreach service.
package mcpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/adapters/server/common"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Config captures MCP transport configuration.
type Config struct {
	ServerName    string
	ServerVersion string
	EndpointPath  string
}

// Handler wraps one stateless MCP streamable HTTP handler.
type Handler struct {
	httpHandler http.Handler
}

// NewHandler builds one stateless MCP adapter with every outreach tool registered.
func NewHandler(cfg Config, service common.OutreachService) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("outreach service is required")
	}
	cfg = normalizeConfig(cfg)

	mcpSrv := mcpserver.NewMCPServer(
		cfg.ServerName,
		cfg.ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	registerDispatchTools(mcpSrv, service)
	registerPlanningTools(mcpSrv, service)
	registerEngagementTools(mcpSrv, service)

	streamable := mcpserver.NewStreamableHTTPServer(
		mcpSrv,
		mcpserver.WithEndpointPath(cfg.EndpointPath),
		mcpserver.WithStateLess(true),
	)
	return &Handler{httpHandler: streamable}, nil
}

// ServeHTTP handles one MCP streamable HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.httpHandler == nil {
		http.Error(w, "mcp handler unavailable", http.StatusServiceUnavailable)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// normalizeConfig applies deterministic defaults to MCP adapter config.
func normalizeConfig(cfg Config) Config {
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ServerName == "" {
		cfg.ServerName = "outreach"
	}
	cfg.ServerVersion = strings.TrimSpace(cfg.ServerVersion)
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	cfg.EndpointPath = strings.TrimSpace(cfg.EndpointPath)
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/mcp"
	}
	if !strings.HasPrefix(cfg.EndpointPath, "/") {
		cfg.EndpointPath = "/" + cfg.EndpointPath
	}
	cfg.EndpointPath = "/" + strings.Trim(cfg.EndpointPath, "/")
	return cfg
}

// registerDispatchTools registers queue and dispatch tools.
func registerDispatchTools(srv *mcpserver.MCPServer, service common.OutreachService) {
	srv.AddTool(
		mcp.NewTool(
			"outreach.dispatch_batch",
			mcp.WithDescription("Claim and send one batch of due outreach emails."),
			mcp.WithString("org_id", mcp.Description("Restrict the batch to one organization")),
			mcp.WithNumber("cap", mcp.Description("Maximum items to claim (defaults to the configured batch cap)"), mcp.Min(0)),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			report, err := service.DispatchBatch(ctx, common.DispatchRequest{
				OrgID: req.GetString("org_id", ""),
				Cap:   req.GetInt("cap", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("dispatch_batch", report)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"outreach.list_queue",
			mcp.WithDescription("List drip queue items in dispatch order."),
			mcp.WithString("org_id", mcp.Description("Organization filter")),
			mcp.WithString("status", mcp.Description("Queue status filter"), mcp.Enum("pending", "claimed", "sent", "failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows (default 100)"), mcp.Min(0)),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			items, err := service.ListQueue(ctx, common.ListQueueRequest{
				OrgID:  req.GetString("org_id", ""),
				Status: req.GetString("status", ""),
				Limit:  req.GetInt("limit", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_queue", map[string]any{
				"items": items,
			})
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"outreach.reap_stale_claims",
			mcp.WithDescription("Return queue claims abandoned by crashed workers to pending."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			result, err := service.ReapStaleClaims(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("reap_stale_claims", result)
		},
	)
}

// registerPlanningTools registers classification and planning tools.
func registerPlanningTools(srv *mcpserver.MCPServer, service common.OutreachService) {
	srv.AddTool(
		mcp.NewTool(
			"outreach.plan_lead",
			mcp.WithDescription("Plan every due sequence stage for one lead, or for every lead of an organization when lead_id is omitted."),
			mcp.WithString("lead_id", mcp.Description("Lead identifier")),
			mcp.WithString("org_id", mcp.Description("Organization to plan when lead_id is omitted")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			leadID := strings.TrimSpace(req.GetString("lead_id", ""))
			orgID := strings.TrimSpace(req.GetString("org_id", ""))
			var (
				report common.PlanReport
				err    error
			)
			switch {
			case leadID != "":
				report, err = service.PlanLead(ctx, leadID)
			case orgID != "":
				report, err = service.PlanAll(ctx, orgID)
			default:
				return mcp.NewToolResultError("invalid_request: lead_id or org_id is required"), nil
			}
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("plan_lead", report)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"outreach.classify_lead",
			mcp.WithDescription("Return the vertical profile and per-contact role psychology for one lead."),
			mcp.WithString("lead_id", mcp.Required(), mcp.Description("Lead identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			leadID, err := req.RequireString("lead_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			profile, err := service.LeadProfile(ctx, leadID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("classify_lead", profile)
		},
	)
}

// registerEngagementTools registers signal, call-outcome, and alert tools.
func registerEngagementTools(srv *mcpserver.MCPServer, service common.OutreachService) {
	srv.AddTool(
		mcp.NewTool(
			"outreach.record_signal",
			mcp.WithDescription("Apply one engagement signal by tracking token. Unknown tokens are accepted and ignored."),
			mcp.WithString("token", mcp.Required(), mcp.Description("Tracking token")),
			mcp.WithString("type", mcp.Required(), mcp.Description("Signal type"), mcp.Enum("delivered", "open", "click", "bounce", "dropped")),
			mcp.WithString("observed_at", mcp.Description("RFC3339 observation time (defaults to now)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			token, err := req.RequireString("token")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			signalType, err := req.RequireString("type")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			observedAt, err := parseOptionalTime(req.GetString("observed_at", ""))
			if err != nil {
				return mcp.NewToolResultError("invalid_request: observed_at must be RFC3339"), nil
			}
			result, err := service.RecordSignal(ctx, common.SignalRequest{Token: token, Type: signalType, ObservedAt: observedAt})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("record_signal", result)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"outreach.log_call_outcome",
			mcp.WithDescription("Record the result of a follow-up call against one activity."),
			mcp.WithString("activity_id", mcp.Required(), mcp.Description("Activity identifier")),
			mcp.WithString("outcome", mcp.Required(), mcp.Description("Call outcome"), mcp.Enum("interested", "callback", "not_interested", "no_answer", "voicemail")),
			mcp.WithString("notes", mcp.Description("Free-form call notes")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			activityID, err := req.RequireString("activity_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			outcome, err := req.RequireString("outcome")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			activity, err := service.LogCallOutcome(ctx, common.CallOutcomeRequest{
				ActivityID: activityID,
				Outcome:    outcome,
				Notes:      req.GetString("notes", ""),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("log_call_outcome", activity)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"outreach.get_activity",
			mcp.WithDescription("Return one outreach activity with its engagement timestamps."),
			mcp.WithString("activity_id", mcp.Required(), mcp.Description("Activity identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			activityID, err := req.RequireString("activity_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			activity, err := service.GetActivity(ctx, activityID)
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("get_activity", activity)
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"outreach.list_alerts",
			mcp.WithDescription("List warm-lead alerts, newest first."),
			mcp.WithString("org_id", mcp.Description("Organization filter")),
			mcp.WithString("since", mcp.Description("RFC3339 lower bound on occurred_at")),
			mcp.WithNumber("limit", mcp.Description("Maximum rows (default 50)"), mcp.Min(0)),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			since, err := parseOptionalTime(req.GetString("since", ""))
			if err != nil {
				return mcp.NewToolResultError("invalid_request: since must be RFC3339"), nil
			}
			alerts, err := service.ListAlerts(ctx, common.ListAlertsRequest{
				OrgID: req.GetString("org_id", ""),
				Since: since,
				Limit: req.GetInt("limit", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			return jsonResult("list_alerts", map[string]any{
				"alerts": alerts,
			})
		},
	)
}

// jsonResult encodes one structured tool result.
func jsonResult[T any](tool string, payload T) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", tool, err)
	}
	return result, nil
}

func parseOptionalTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// toolResultFromError maps service errors into MCP-visible tool errors.
func toolResultFromError(err error) *mcp.CallToolResult {
	switch {
	case err == nil:
		return mcp.NewToolResultError("unknown error")
	case errors.Is(err, common.ErrInvalidRequest):
		return mcp.NewToolResultError("invalid_request: " + err.Error())
	case errors.Is(err, common.ErrNotFound):
		return mcp.NewToolResultError("not_found: " + err.Error())
	case errors.Is(err, common.ErrConflict):
		return mcp.NewToolResultError("conflict: " + err.Error())
	case errors.Is(err, common.ErrUnavailable):
		return mcp.NewToolResultError("service_unavailable: " + err.Error())
	default:
		return mcp.NewToolResultError("internal_error: " + err.Error())
	}
}
