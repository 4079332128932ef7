package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/adapters/server"
	servercommon "github.com/hylla/outreach/internal/adapters/server/common"
	"github.com/hylla/outreach/internal/adapters/signals/kafkasignals"
	"github.com/hylla/outreach/internal/catalog"
	"github.com/hylla/outreach/internal/platform"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveCommandRunner starts the HTTP, MCP and tracking listener.
var serveCommandRunner = func(ctx context.Context, cfg server.Config, deps server.Dependencies) error {
	return server.Run(ctx, cfg, deps)
}

// signalConsumerFactory builds the Kafka signal consumer.
var signalConsumerFactory = func(cfg kafkasignals.Config, recorder kafkasignals.Recorder, logger *runtimeLogger) (interface{ Run(context.Context) error }, error) {
	return kafkasignals.New(cfg, recorder, logger)
}

func newPathsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config, data and database paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := platformPaths(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "app: %s\n", opts.appName)
			_, _ = fmt.Fprintf(out, "dev_mode: %t\n", opts.devMode)
			_, _ = fmt.Fprintf(out, "config: %s\n", paths.ConfigPath)
			_, _ = fmt.Fprintf(out, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(out, "db: %s\n", paths.DBPath)
			_, _ = fmt.Fprintf(out, "catalog: %s\n", paths.CatalogPath)
			return nil
		},
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var httpBind, apiEndpoint, mcpEndpoint string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tracking beacons, operator API and MCP tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				serverCfg := server.Config{
					HTTPBind:      firstNonEmpty(httpBind, rt.cfg.Server.HTTPBind),
					APIEndpoint:   firstNonEmpty(apiEndpoint, rt.cfg.Server.APIEndpoint),
					MCPEndpoint:   firstNonEmpty(mcpEndpoint, rt.cfg.Server.MCPEndpoint),
					ServerName:    opts.appName,
					ServerVersion: version,
				}
				return runServe(ctx, rt, serverCfg)
			})
		},
	}
	cmd.Flags().StringVar(&httpBind, "http", "", "HTTP listen address (overrides server.http_bind)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "HTTP API base endpoint (overrides server.api_endpoint)")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP streamable HTTP endpoint (overrides server.mcp_endpoint)")
	return cmd
}

// runServe runs the listener alongside the optional catalog watcher, dispatch
// loop and signal consumer. The first failure stops all of them.
func runServe(ctx context.Context, rt *runtime, cfg server.Config) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("serving", "http", cfg.HTTPBind, "api", cfg.APIEndpoint, "mcp", cfg.MCPEndpoint)
		return serveCommandRunner(ctx, cfg, server.Dependencies{
			Service: rt.svc,
			Ready:   rt.ping,
			Signer:  rt.signer,
			Logger:  rt.logger,
		})
	})
	if rt.cfg.Catalog.Watch && rt.catalogSrc != "" {
		g.Go(func() error {
			return catalog.Watch(ctx, rt.catalogSrc, rt.store, rt.logger)
		})
	}
	if interval := rt.cfg.Dispatch.Interval.Duration; interval > 0 {
		g.Go(func() error {
			runDispatchLoop(ctx, rt, interval)
			return nil
		})
	}
	if len(rt.cfg.Signals.KafkaBrokers) > 0 {
		g.Go(func() error {
			return consumeSignals(ctx, rt)
		})
	}
	return g.Wait()
}

// runDispatchLoop reaps stale claims and dispatches one batch per tick until
// ctx is done. Tick failures are logged and retried on the next tick.
func runDispatchLoop(ctx context.Context, rt *runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rt.logger.Info("dispatch loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			rt.logger.Info("dispatch loop stopped")
			return
		case <-ticker.C:
		}
		if reaped, err := rt.svc.ReapStaleClaims(ctx); err != nil {
			rt.logger.Warn("reap stale claims failed", "err", err)
		} else if reaped.Reaped > 0 {
			rt.logger.Info("stale claims reaped", "count", reaped.Reaped)
		}
		report, err := rt.svc.DispatchBatch(ctx, servercommon.DispatchRequest{})
		if err != nil {
			rt.logger.Warn("dispatch tick failed", "err", err)
			continue
		}
		if report.Claimed > 0 || report.Throttled > 0 {
			rt.logger.Info("dispatch tick", "claimed", report.Claimed, "sent", report.Sent, "retried", report.Retried, "failed", report.Failed, "throttled", report.Throttled)
		}
	}
}

func newDispatchCommand(opts *rootOptions) *cobra.Command {
	var req servercommon.DispatchRequest
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Claim and send one batch of due queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				report, err := rt.svc.DispatchBatch(ctx, req)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				return renderDispatchReport(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&req.OrgID, "org", "", "limit the batch to one organization")
	cmd.Flags().IntVar(&req.Cap, "cap", 0, "maximum items to claim (0 uses dispatch.batch_cap)")
	return cmd
}

func newReapCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Return stale claimed queue items to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				result, err := rt.svc.ReapStaleClaims(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "reaped %d\n", result.Reaped)
				return err
			})
		},
	}
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	var leadID, orgID string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan due sequence stages for one lead or a whole organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			leadID = strings.TrimSpace(leadID)
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				var (
					report servercommon.PlanReport
					err    error
				)
				if leadID != "" {
					report, err = rt.svc.PlanLead(ctx, leadID)
				} else {
					report, err = rt.svc.PlanAll(ctx, strings.TrimSpace(orgID))
				}
				if err != nil && report.Leads == 0 {
					return err
				}
				if opts.jsonOut {
					if writeErr := writeJSON(cmd.OutOrStdout(), report); writeErr != nil {
						return writeErr
					}
				} else if renderErr := renderPlanReport(cmd.OutOrStdout(), report); renderErr != nil {
					return renderErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "plan a single lead")
	cmd.Flags().StringVar(&orgID, "org", "", "plan every lead of an organization (empty plans all)")
	cmd.MarkFlagsMutuallyExclusive("lead", "org")
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Create or update leads from a JSON object or array",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			requests, err := readIngestRequests(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				leads := make([]servercommon.Lead, 0, len(requests))
				for _, req := range requests {
					lead, err := rt.svc.IngestLead(ctx, req)
					if err != nil {
						return fmt.Errorf("ingest lead %q: %w", req.Name, err)
					}
					leads = append(leads, lead)
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), leads)
				}
				t := newTable("Lead", "Org", "Name", "Contacts")
				for _, lead := range leads {
					t.Row(lead.ID, lead.OrgID, lead.Name, fmt.Sprint(len(lead.Contacts)))
				}
				return writeTable(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON input path, or - for stdin")
	return cmd
}

// readIngestRequests decodes one request object or an array of them.
func readIngestRequests(stdin io.Reader, path string) ([]servercommon.IngestLeadRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read ingest input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("ingest input is empty")
	}
	if data[0] == '[' {
		var requests []servercommon.IngestLeadRequest
		if err := json.Unmarshal(data, &requests); err != nil {
			return nil, fmt.Errorf("decode ingest input: %w", err)
		}
		return requests, nil
	}
	var req servercommon.IngestLeadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode ingest input: %w", err)
	}
	return []servercommon.IngestLeadRequest{req}, nil
}

func newClassifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <lead-id>",
		Short: "Show the vertical and role profile derived for a lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				profile, err := rt.svc.LeadProfile(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), profile)
				}
				return renderProfile(cmd.OutOrStdout(), profile)
			})
		},
	}
}

func newQueueCommand(opts *rootOptions) *cobra.Command {
	var req servercommon.ListQueueRequest
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List send queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				items, err := rt.svc.ListQueue(ctx, req)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), items)
				}
				return renderQueue(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVar(&req.OrgID, "org", "", "organization filter")
	cmd.Flags().StringVar(&req.Status, "status", "", "status filter: pending, claimed, sent or failed")
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "maximum rows")
	return cmd
}

func newAlertsCommand(opts *rootOptions) *cobra.Command {
	var (
		req   servercommon.ListAlertsRequest
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent warm-lead alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				if since > 0 {
					req.Since = time.Now().Add(-since)
				}
				alerts, err := rt.svc.ListAlerts(ctx, req)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), alerts)
				}
				return renderAlerts(cmd.OutOrStdout(), alerts)
			})
		},
	}
	cmd.Flags().StringVar(&req.OrgID, "org", "", "organization filter")
	cmd.Flags().DurationVar(&since, "since", 0, "only alerts newer than this, e.g. 24h")
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "maximum rows")
	return cmd
}

func newSignalCommand(opts *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "signal <token> <type>",
		Short: "Record one engagement signal (delivered, open, click, bounce, dropped)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := servercommon.SignalRequest{Token: args[0], Type: args[1]}
			if strings.TrimSpace(at) != "" {
				observed, err := time.Parse(time.RFC3339, strings.TrimSpace(at))
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				req.ObservedAt = observed
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				result, err := rt.svc.RecordSignal(ctx, req)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				if !result.Applied {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "ignored")
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s alerted=%t\n", result.From, result.To, result.Alerted)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "observation time in RFC3339 (default now)")
	return cmd
}

func newCallCommand(opts *rootOptions) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "call <activity-id> <outcome>",
		Short: "Log a call outcome (interested, callback, not_interested, no_answer, voicemail)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *runtime) error {
				activity, err := rt.svc.LogCallOutcome(ctx, servercommon.CallOutcomeRequest{
					ActivityID: args[0],
					Outcome:    args[1],
					Notes:      notes,
				})
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return writeJSON(cmd.OutOrStdout(), activity)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s outcome=%s\n", activity.ID, activity.Status, activity.CallOutcome)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-form call notes")
	return cmd
}

func newConsumeSignalsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume-signals",
		Short: "Apply relayed transport webhook events from Kafka until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, consumeSignals)
		},
	}
}

func consumeSignals(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg.Signals
	consumer, err := signalConsumerFactory(kafkasignals.Config{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.GroupID,
	}, rt.appSvc, rt.logger)
	if err != nil {
		return fmt.Errorf("configure signal consumer: %w", err)
	}
	rt.logger.Info("consuming signals", "topic", cfg.KafkaTopic, "group_id", cfg.GroupID)
	return consumer.Run(ctx)
}

func platformPaths(opts *rootOptions) (platform.Paths, error) {
	return platform.DefaultPathsWithOptions(platform.Options{AppName: opts.appName, DevMode: opts.devMode})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
