package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Driver selects the persistence backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// TransportMode selects how outbound email leaves the process.
type TransportMode string

const (
	TransportLog  TransportMode = "log"
	TransportHTTP TransportMode = "http"
)

type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Logging    LoggingConfig    `toml:"logging"`
	Server     ServerConfig     `toml:"server"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	SendWindow SendWindowConfig `toml:"send_window"`
	Planner    PlannerConfig    `toml:"planner"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Content    ContentConfig    `toml:"content"`
	Transport  TransportConfig  `toml:"transport"`
	Notify     NotifyConfig     `toml:"notify"`
	Signals    SignalsConfig    `toml:"signals"`
	Sender     SenderConfig     `toml:"sender"`
}

type DatabaseConfig struct {
	Driver Driver `toml:"driver"`
	Path   string `toml:"path"`
	// DSN is only read for postgres. Prefer OUTREACH_DATABASE_DSN over storing it here.
	DSN string `toml:"dsn"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type ServerConfig struct {
	HTTPBind          string `toml:"http_bind"`
	APIEndpoint       string `toml:"api_endpoint"`
	MCPEndpoint       string `toml:"mcp_endpoint"`
	TrackingBaseURL   string `toml:"tracking_base_url"`
	TrackingSecretEnv string `toml:"tracking_secret_env"`
}

type DispatchConfig struct {
	BatchCap            int      `toml:"batch_cap"`
	Workers             int      `toml:"workers"`
	CollaboratorTimeout Duration `toml:"collaborator_timeout"`
	MaxAttempts         int      `toml:"max_attempts"`
	BackoffBase         Duration `toml:"backoff_base"`
	BackoffCap          Duration `toml:"backoff_cap"`
	JitterFraction      float64  `toml:"jitter_fraction"`
	StaleClaimAfter     Duration `toml:"stale_claim_after"`
	OrgHourlyLimit      int      `toml:"org_hourly_limit"`
	// Interval drives the serve-mode dispatch loop; zero leaves dispatch to an external trigger.
	Interval Duration `toml:"interval"`
}

type SendWindowConfig struct {
	Enabled         bool   `toml:"enabled"`
	StartHour       int    `toml:"start_hour"`
	EndHour         int    `toml:"end_hour"`
	WeekdaysOnly    bool   `toml:"weekdays_only"`
	DefaultTimezone string `toml:"default_timezone"`
}

type PlannerConfig struct {
	CooldownDays int `toml:"cooldown_days"`
	// FollowUpAfterEngagement keeps planning follow-ups after an open or click.
	FollowUpAfterEngagement bool `toml:"follow_up_after_engagement"`
}

type CatalogConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

type ContentConfig struct {
	Endpoint  string   `toml:"endpoint"`
	APIKeyEnv string   `toml:"api_key_env"`
	Timeout   Duration `toml:"timeout"`
}

type TransportConfig struct {
	Mode      TransportMode `toml:"mode"`
	Endpoint  string        `toml:"endpoint"`
	APIKeyEnv string        `toml:"api_key_env"`
	FromEmail string        `toml:"from_email"`
	FromName  string        `toml:"from_name"`
	Timeout   Duration      `toml:"timeout"`
}

type NotifyConfig struct {
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
	WebhookURL   string   `toml:"webhook_url"`
	Concurrency  int      `toml:"concurrency"`
}

type SignalsConfig struct {
	KafkaBrokers []string `toml:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic"`
	GroupID      string   `toml:"group_id"`
}

type SenderConfig struct {
	Name string `toml:"name"`
}

// Duration decodes TOML strings such as "30s" or "15m".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   dbPath,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".outreach/log",
			},
		},
		Server: ServerConfig{
			HTTPBind:          "127.0.0.1:8080",
			APIEndpoint:       "/api/v1",
			MCPEndpoint:       "/mcp",
			TrackingSecretEnv: "OUTREACH_TRACKING_SECRET",
		},
		Dispatch: DispatchConfig{
			BatchCap:            30,
			Workers:             4,
			CollaboratorTimeout: Duration{30 * time.Second},
			MaxAttempts:         5,
			BackoffBase:         Duration{time.Minute},
			BackoffCap:          Duration{6 * time.Hour},
			JitterFraction:      0.2,
			StaleClaimAfter:     Duration{15 * time.Minute},
			OrgHourlyLimit:      0,
		},
		SendWindow: SendWindowConfig{
			Enabled:         false,
			StartHour:       8,
			EndHour:         18,
			WeekdaysOnly:    true,
			DefaultTimezone: "America/Chicago",
		},
		Planner: PlannerConfig{
			CooldownDays: 7,
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Content: ContentConfig{
			APIKeyEnv: "OUTREACH_CONTENT_API_KEY",
			Timeout:   Duration{30 * time.Second},
		},
		Transport: TransportConfig{
			Mode:      TransportLog,
			APIKeyEnv: "OUTREACH_TRANSPORT_API_KEY",
			Timeout:   Duration{15 * time.Second},
		},
		Notify: NotifyConfig{
			KafkaTopic:  "outreach.alerts",
			Concurrency: 4,
		},
		Signals: SignalsConfig{
			KafkaTopic: "outreach.signals",
			GroupID:    "outreach-tracker",
		},
	}
}

func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, nil
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return errors.New("database path is required")
		}
	case DriverPostgres:
	default:
		return fmt.Errorf("invalid database.driver: %q", c.Database.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}

	d := c.Dispatch
	if d.BatchCap < 0 {
		return errors.New("dispatch.batch_cap must be >= 0")
	}
	if d.Workers < 0 {
		return errors.New("dispatch.workers must be >= 0")
	}
	if d.MaxAttempts < 0 {
		return errors.New("dispatch.max_attempts must be >= 0")
	}
	if d.OrgHourlyLimit < 0 {
		return errors.New("dispatch.org_hourly_limit must be >= 0")
	}
	if d.JitterFraction < 0 || d.JitterFraction > 1 {
		return fmt.Errorf("dispatch.jitter_fraction must be within [0, 1], got %v", d.JitterFraction)
	}
	for name, v := range map[string]Duration{
		"dispatch.collaborator_timeout": d.CollaboratorTimeout,
		"dispatch.backoff_base":         d.BackoffBase,
		"dispatch.backoff_cap":          d.BackoffCap,
		"dispatch.stale_claim_after":    d.StaleClaimAfter,
		"dispatch.interval":             d.Interval,
		"content.timeout":               c.Content.Timeout,
		"transport.timeout":             c.Transport.Timeout,
	} {
		if v.Duration < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if d.BackoffCap.Duration > 0 && d.BackoffBase.Duration > d.BackoffCap.Duration {
		return errors.New("dispatch.backoff_base must not exceed dispatch.backoff_cap")
	}

	w := c.SendWindow
	if w.Enabled {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 1 || w.EndHour > 24 || w.StartHour >= w.EndHour {
			return fmt.Errorf("send_window hours must satisfy 0 <= start_hour < end_hour <= 24, got %d-%d", w.StartHour, w.EndHour)
		}
	}

	if c.Planner.CooldownDays < 0 {
		return errors.New("planner.cooldown_days must be >= 0")
	}

	switch c.Transport.Mode {
	case TransportLog:
	case TransportHTTP:
		if strings.TrimSpace(c.Transport.Endpoint) == "" {
			return errors.New("transport.endpoint is required when transport.mode is http")
		}
		if strings.TrimSpace(c.Transport.FromEmail) == "" {
			return errors.New("transport.from_email is required when transport.mode is http")
		}
	default:
		return fmt.Errorf("invalid transport.mode: %q", c.Transport.Mode)
	}

	if len(c.Notify.KafkaBrokers) > 0 && strings.TrimSpace(c.Notify.KafkaTopic) == "" {
		return errors.New("notify.kafka_topic is required when notify.kafka_brokers is set")
	}
	if c.Notify.Concurrency < 0 {
		return errors.New("notify.concurrency must be >= 0")
	}
	if len(c.Signals.KafkaBrokers) > 0 {
		if strings.TrimSpace(c.Signals.KafkaTopic) == "" {
			return errors.New("signals.kafka_topic is required when signals.kafka_brokers is set")
		}
		if strings.TrimSpace(c.Signals.GroupID) == "" {
			return errors.New("signals.group_id is required when signals.kafka_brokers is set")
		}
	}

	return nil
}

// SecretFromEnv reads the secret named by envName. An empty name yields "".
func SecretFromEnv(envName string) string {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
