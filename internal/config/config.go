package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/leadgen-cli/internal/provider/httpjob"
)

// Config holds the full application configuration.
type Config struct {
	Env        string              `yaml:"env" mapstructure:"env"`
	Store      StoreConfig         `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig         `yaml:"queue" mapstructure:"queue"`
	Providers  []httpjob.Spec      `yaml:"providers" mapstructure:"providers"`
	Aliases    map[string][]string `yaml:"aliases" mapstructure:"aliases"`
	Resilience ResilienceConfig    `yaml:"resilience" mapstructure:"resilience"`
	Scraper    ScraperConfig       `yaml:"scraper" mapstructure:"scraper"`
	Step       StepConfig          `yaml:"step" mapstructure:"step"`
	Notify     NotifyConfig        `yaml:"notify" mapstructure:"notify"`
	Export     ExportConfig        `yaml:"export" mapstructure:"export"`
	Server     ServerConfig        `yaml:"server" mapstructure:"server"`
	Log        LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig selects and tunes the job runtime.
type QueueConfig struct {
	Driver             string         `yaml:"driver" mapstructure:"driver"` // "postgres", "temporal" or "inline"
	Concurrency        int            `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalMs     int            `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	LeaseSecs          int            `yaml:"lease_secs" mapstructure:"lease_secs"`
	MaxAttempts        int            `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffSecs int            `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs     int            `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	Temporal           TemporalConfig `yaml:"temporal" mapstructure:"temporal"`
}

// TemporalConfig locates the Temporal frontend.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ResilienceConfig tunes retries and circuit breakers for provider calls.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// RetryConfig holds provider call retry settings.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig holds per-provider circuit breaker settings.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ScraperConfig configures SCRAPER searches.
type ScraperConfig struct {
	MinLeads                   int  `yaml:"min_leads" mapstructure:"min_leads"`
	AllowUnderDeliveryFallback bool `yaml:"allow_under_delivery_fallback" mapstructure:"allow_under_delivery_fallback"`
	// StepMode runs the first steppable provider through the step state
	// machine instead of the in-process sequential fallback.
	StepMode bool `yaml:"step_mode" mapstructure:"step_mode"`
}

// StepConfig holds the INIT timings of the step state machine.
type StepConfig struct {
	InitGraceSecs      int `yaml:"init_grace_secs" mapstructure:"init_grace_secs"`
	InitRetryDelaySecs int `yaml:"init_retry_delay_secs" mapstructure:"init_retry_delay_secs"`
}

// NotifyConfig configures completion event sinks. Empty sinks are disabled.
type NotifyConfig struct {
	WebhookURL         string       `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookSecret      string       `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	WebhookTimeoutSecs int          `yaml:"webhook_timeout_secs" mapstructure:"webhook_timeout_secs"`
	Notion             NotionConfig `yaml:"notion" mapstructure:"notion"`
}

// NotionConfig holds Notion sink settings.
type NotionConfig struct {
	Token        string  `yaml:"token" mapstructure:"token"`
	DatabaseID   string  `yaml:"database_id" mapstructure:"database_id"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// ExportConfig holds xlsx export settings.
type ExportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // "json" or "console"
}

// Load reads configuration from config.yaml and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "leadgen.db")
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.poll_interval_ms", 2000)
	v.SetDefault("queue.lease_secs", 900)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.initial_backoff_secs", 30)
	v.SetDefault("queue.max_backoff_secs", 600)
	v.SetDefault("queue.temporal.host_port", "localhost:7233")
	v.SetDefault("queue.temporal.namespace", "default")
	v.SetDefault("queue.temporal.task_queue", "lead-searches")
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.initial_backoff_ms", 500)
	v.SetDefault("resilience.retry.max_backoff_ms", 10000)
	v.SetDefault("resilience.retry.multiplier", 2.0)
	v.SetDefault("resilience.retry.jitter_fraction", 0.25)
	v.SetDefault("resilience.circuit.failure_threshold", 5)
	v.SetDefault("resilience.circuit.reset_timeout_secs", 60)
	v.SetDefault("scraper.min_leads", 1)
	v.SetDefault("scraper.allow_under_delivery_fallback", true)
	v.SetDefault("scraper.step_mode", true)
	v.SetDefault("step.init_grace_secs", 120)
	v.SetDefault("step.init_retry_delay_secs", 15)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_secret", "")
	v.SetDefault("notify.webhook_timeout_secs", 10)
	v.SetDefault("notify.notion.token", "")
	v.SetDefault("notify.notion.database_id", "")
	v.SetDefault("notify.notion.rate_limit_rps", 3.0)
	v.SetDefault("export.dir", ".")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Every problem is
// reported, not just the first.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch mode {
	case "worker", "serve", "dispatch":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required")
		}
	default:
		add("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}

	switch c.Queue.Driver {
	case "postgres":
		if c.Store.Driver != "postgres" {
			add("queue.driver postgres requires store.driver postgres")
		}
	case "temporal":
		if c.Queue.Temporal.HostPort == "" {
			add("queue.temporal.host_port is required")
		}
		if c.Queue.Temporal.TaskQueue == "" {
			add("queue.temporal.task_queue is required")
		}
	case "inline":
	default:
		add("queue.driver must be postgres, temporal or inline, got %q", c.Queue.Driver)
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue.max_attempts must be >= 1")
	}

	// Inline jobs run in the dispatching process, so it needs providers too.
	if mode != "dispatch" || c.Queue.Driver == "inline" {
		c.validateProviders(add)
	}

	if mode == "worker" || mode == "serve" {
		if c.Queue.Concurrency < 1 || c.Queue.Concurrency > 64 {
			add("queue.concurrency must be between 1 and 64")
		}
		if c.Scraper.MinLeads < 0 {
			add("scraper.min_leads must be >= 0")
		}
		if c.Step.InitGraceSecs < 0 || c.Step.InitRetryDelaySecs < 0 {
			add("step timings must be >= 0")
		}
		if (c.Notify.Notion.Token == "") != (c.Notify.Notion.DatabaseID == "") {
			add("notify.notion.token and notify.notion.database_id must be set together")
		}
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server.port must be > 0 and <= 65535")
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateProviders(add func(string, ...any)) {
	if len(c.Providers) == 0 {
		add("at least one provider is required")
	}
	ids := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			add("providers[%d].id is required", i)
			continue
		}
		if ids[p.ID] {
			add("providers[%d].id %q is duplicated", i, p.ID)
		}
		ids[p.ID] = true
	}
	for alias, members := range c.Aliases {
		if ids[alias] {
			add("aliases.%s shadows a provider id", alias)
		}
		if len(members) == 0 {
			add("aliases.%s is empty", alias)
		}
		for _, m := range members {
			if !ids[m] {
				add("aliases.%s references unknown provider %q", alias, m)
			}
		}
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
