package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	"github.com/hylla/outreach/internal/adapters/content/httpcontent"
	"github.com/hylla/outreach/internal/adapters/content/localcontent"
	"github.com/hylla/outreach/internal/adapters/notify"
	servercommon "github.com/hylla/outreach/internal/adapters/server/common"
	"github.com/hylla/outreach/internal/adapters/storage/postgres"
	"github.com/hylla/outreach/internal/adapters/storage/sqlite"
	"github.com/hylla/outreach/internal/adapters/transport/httpmail"
	"github.com/hylla/outreach/internal/adapters/transport/logmail"
	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/catalog"
	"github.com/hylla/outreach/internal/classify"
	"github.com/hylla/outreach/internal/config"
	"github.com/hylla/outreach/internal/platform"
	"github.com/hylla/outreach/internal/tracking"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = ""
)

// classifierMemoSize bounds cached lead classifications per process.
const classifierMemoSize = 4096

func main() {
	root := newRootCommand(os.Stdout, os.Stderr)
	if err := fang.Execute(
		context.Background(),
		root,
		fang.WithVersion(version),
		fang.WithCommit(commit),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		os.Exit(1)
	}
}

// run executes the command tree with plain cobra output.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// rootOptions holds persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
	jsonOut    bool
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	opts := &rootOptions{appName: "outreach", devMode: version == "dev"}
	if envDev, ok := parseBoolEnv("OUTREACH_DEV_MODE"); ok {
		opts.devMode = envDev
	}
	if envApp := strings.TrimSpace(os.Getenv("OUTREACH_APP_NAME")); envApp != "" {
		opts.appName = envApp
	}

	root := &cobra.Command{
		Use:   "outreach",
		Short: "Plan, send and track multi-touch outreach campaigns",
		Long: "outreach classifies leads by vertical and role, plans staged email and call\n" +
			"sequences, dispatches queued sends and turns engagement signals into alerts.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML (env OUTREACH_CONFIG)")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database (env OUTREACH_DB_PATH)")
	flags.StringVar(&opts.appName, "app", opts.appName, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", opts.devMode, "use dev mode paths (<app>-dev) and dev file logging")
	flags.BoolVar(&opts.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newPathsCommand(opts),
		newServeCommand(opts),
		newDispatchCommand(opts),
		newReapCommand(opts),
		newPlanCommand(opts),
		newIngestCommand(opts),
		newClassifyCommand(opts),
		newQueueCommand(opts),
		newAlertsCommand(opts),
		newSignalCommand(opts),
		newCallCommand(opts),
		newConsumeSignalsCommand(opts),
	)
	return root
}

// runtime is everything one command needs after configuration is resolved.
type runtime struct {
	cfg        config.Config
	configPath string
	paths      platform.Paths
	logger     *runtimeLogger
	store      *catalog.Store
	catalogSrc string
	appSvc     *app.Service
	svc        *servercommon.AppServiceAdapter
	ping       func(context.Context) error
	signer     *tracking.Signer
	closers    []func() error
}

// withRuntime bootstraps config, logging, storage and the service, runs fn,
// then releases everything in reverse order.
func withRuntime(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := bootstrap(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.close(cmd.ErrOrStderr())

	command := cmd.Name()
	rt.logger.Info("command flow start", "command", command)
	if err := fn(ctx, rt); err != nil {
		rt.logger.Error("command flow failed", "command", command, "err", err)
		return fmt.Errorf("run %s command: %w", command, err)
	}
	rt.logger.Info("command flow complete", "command", command)
	return nil
}

func bootstrap(ctx context.Context, opts *rootOptions, stderr io.Writer) (*runtime, error) {
	paths, err := platformPaths(opts)
	if err != nil {
		return nil, err
	}
	configPath, dbPath, dbOverridden := resolveConfigPaths(opts, paths)

	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}
	if dsn := strings.TrimSpace(os.Getenv("OUTREACH_DATABASE_DSN")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	logger, err := newRuntimeLogger(stderr, opts.appName, opts.devMode, cfg.Logging.Level, devFileOptions{
		Enabled: cfg.Logging.DevFile.Enabled,
		Dir:     cfg.Logging.DevFile.Dir,
	}, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	rt := &runtime{cfg: cfg, configPath: configPath, paths: paths, logger: logger}
	rt.closers = append(rt.closers, logger.Close)

	logger.Info("startup configuration resolved", "app", opts.appName, "dev_mode", opts.devMode, "config_path", configPath)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	repo, err := openRepository(ctx, rt)
	if err != nil {
		rt.close(stderr)
		return nil, err
	}

	if err := loadCatalog(rt); err != nil {
		rt.close(stderr)
		return nil, err
	}

	content, err := newContentGenerator(cfg.Content, rt.store)
	if err != nil {
		rt.close(stderr)
		return nil, fmt.Errorf("configure content generator: %w", err)
	}
	transport, err := newTransport(cfg.Transport, logger)
	if err != nil {
		rt.close(stderr)
		return nil, fmt.Errorf("configure transport: %w", err)
	}
	notifier, err := newNotifier(rt)
	if err != nil {
		rt.close(stderr)
		return nil, fmt.Errorf("configure notifier: %w", err)
	}
	window, err := app.NewSendWindow(app.SendWindowConfig{
		Enabled:         cfg.SendWindow.Enabled,
		StartHour:       cfg.SendWindow.StartHour,
		EndHour:         cfg.SendWindow.EndHour,
		WeekdaysOnly:    cfg.SendWindow.WeekdaysOnly,
		DefaultTimezone: cfg.SendWindow.DefaultTimezone,
	})
	if err != nil {
		rt.close(stderr)
		return nil, fmt.Errorf("configure send window: %w", err)
	}

	rt.signer = tracking.NewSigner(config.SecretFromEnv(cfg.Server.TrackingSecretEnv))
	if cfg.Server.TrackingBaseURL != "" && rt.signer == nil {
		logger.Warn("no tracking secret set, links are not routed through the click beacon", "env", cfg.Server.TrackingSecretEnv)
	}

	hostname, _ := os.Hostname()
	rt.appSvc = app.NewService(repo, uuid.NewString, time.Now, app.ServiceConfig{
		Catalog:    rt.store,
		Classifier: classify.NewMemo(classifierMemoSize),
		Content:    content,
		Transport:  transport,
		Notifier:   notifier,
		Logger:     logger,
		Dispatch: app.DispatchConfig{
			BatchCap:            cfg.Dispatch.BatchCap,
			Workers:             cfg.Dispatch.Workers,
			CollaboratorTimeout: cfg.Dispatch.CollaboratorTimeout.Duration,
			MaxAttempts:         cfg.Dispatch.MaxAttempts,
			Backoff: app.BackoffPolicy{
				Base:           cfg.Dispatch.BackoffBase.Duration,
				Cap:            cfg.Dispatch.BackoffCap.Duration,
				JitterFraction: cfg.Dispatch.JitterFraction,
			},
			StaleClaimAfter: cfg.Dispatch.StaleClaimAfter.Duration,
			OrgHourlyLimit:  cfg.Dispatch.OrgHourlyLimit,
		},
		SendWindow: window,
		Planner: app.PlannerConfig{
			CooldownDays:            cfg.Planner.CooldownDays,
			FollowUpAfterEngagement: cfg.Planner.FollowUpAfterEngagement,
		},
		TrackingBaseURL: cfg.Server.TrackingBaseURL,
		LinkSigner:      rt.signer,
		SenderName:      cfg.Sender.Name,
		InstanceID:      instanceID(hostname),
	})
	rt.svc = servercommon.NewAppServiceAdapter(rt.appSvc)
	logger.Debug("application service initialized", "transport", cfg.Transport.Mode, "send_window", cfg.SendWindow.Enabled)
	return rt, nil
}

// resolveConfigPaths applies flag, then env, then platform defaults.
func resolveConfigPaths(opts *rootOptions, paths platform.Paths) (configPath, dbPath string, dbOverridden bool) {
	configPath = strings.TrimSpace(opts.configPath)
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("OUTREACH_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath = strings.TrimSpace(opts.dbPath)
	dbOverridden = dbPath != ""
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("OUTREACH_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}
	return configPath, dbPath, dbOverridden
}

func openRepository(ctx context.Context, rt *runtime) (app.Repository, error) {
	db := rt.cfg.Database
	switch db.Driver {
	case config.DriverPostgres:
		if strings.TrimSpace(db.DSN) == "" {
			return nil, errors.New("postgres driver requires database.dsn or OUTREACH_DATABASE_DSN")
		}
		rt.logger.Info("opening postgres repository")
		repo, err := postgres.Open(ctx, db.DSN)
		if err != nil {
			rt.logger.Error("postgres open failed", "err", err)
			return nil, fmt.Errorf("open postgres repository: %w", err)
		}
		rt.ping = repo.Ping
		rt.closers = append(rt.closers, repo.Close)
		rt.logger.Info("postgres repository ready", "migrations", "ensured")
		return repo, nil
	default:
		rt.logger.Info("opening sqlite repository", "db_path", db.Path)
		repo, err := sqlite.Open(db.Path)
		if err != nil {
			rt.logger.Error("sqlite open failed", "db_path", db.Path, "err", err)
			return nil, fmt.Errorf("open sqlite repository: %w", err)
		}
		rt.ping = repo.Ping
		rt.closers = append(rt.closers, repo.Close)
		rt.logger.Info("sqlite repository ready", "db_path", db.Path, "migrations", "ensured")
		return repo, nil
	}
}

// loadCatalog uses the configured catalog file, then the platform default
// file when present, then the embedded catalog.
func loadCatalog(rt *runtime) error {
	path := platform.ResolveCatalogPath(rt.cfg.Catalog.Path, rt.paths)
	if path == "" {
		rt.store = catalog.NewStore(nil)
		rt.logger.Debug("using embedded vertical catalog")
		return nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	rt.store = catalog.NewStore(cat)
	rt.catalogSrc = path
	rt.logger.Info("vertical catalog loaded", "path", path)
	return nil
}

func newContentGenerator(cfg config.ContentConfig, store *catalog.Store) (app.ContentGenerator, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return localcontent.New(store), nil
	}
	return httpcontent.New(httpcontent.Config{
		Endpoint: cfg.Endpoint,
		APIKey:   config.SecretFromEnv(cfg.APIKeyEnv),
		Timeout:  cfg.Timeout.Duration,
	})
}

func newTransport(cfg config.TransportConfig, logger *runtimeLogger) (app.Transport, error) {
	if cfg.Mode != config.TransportHTTP {
		return logmail.New(logger), nil
	}
	return httpmail.New(httpmail.Config{
		Endpoint:  cfg.Endpoint,
		APIKey:    config.SecretFromEnv(cfg.APIKeyEnv),
		FromEmail: cfg.FromEmail,
		FromName:  cfg.FromName,
		Timeout:   cfg.Timeout.Duration,
	})
}

// newNotifier always logs alerts and adds Kafka and webhook channels when configured.
func newNotifier(rt *runtime) (app.Notifier, error) {
	cfg := rt.cfg.Notify
	channels := []app.Notifier{notify.NewLogNotifier(rt.logger)}
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, publisher.Close)
		channels = append(channels, publisher)
	}
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		webhook, err := notify.NewWebhook(cfg.WebhookURL, nil)
		if err != nil {
			return nil, err
		}
		channels = append(channels, webhook)
	}
	return notify.NewFanout(cfg.Concurrency, channels...), nil
}

func (rt *runtime) close(stderr io.Writer) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			_, _ = fmt.Fprintf(stderr, "warning: close runtime resource: %v\n", err)
		}
	}
	rt.closers = nil
}

// instanceID names this process in queue claims.
func instanceID(hostname string) string {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		hostname = "outreach"
	}
	return hostname + "-" + strconv.Itoa(os.Getpid())
}

// parseBoolEnv parses one boolean environment variable when present.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
