// Package config provides configuration loading and validation for the server, worker, and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonathan/capsule-forge/internal/observability"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Scheduler backends
const (
	SchedulerInProcess = "inprocess"
	SchedulerRedis     = "redis"
)

// Config is the full application configuration. Values come from an optional YAML file,
// then environment variables, then CLI flags; anything still unset takes Defaults().
type Config struct {
	Store     StoreConfig                 `yaml:"store"`
	Server    ServerConfig                `yaml:"server"`
	LLM       LLMConfig                   `yaml:"llm"`
	Pipeline  PipelineConfig              `yaml:"pipeline"`
	Monitor   MonitorConfig               `yaml:"monitor"`
	Scheduler SchedulerConfig             `yaml:"scheduler"`
	Ingestion IngestionConfig             `yaml:"ingestion"`
	Logging   LoggingConfig               `yaml:"logging"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
}

// StoreConfig selects the record store
type StoreConfig struct {
	Driver      string `yaml:"driver"`       // postgres or sqlite
	DatabaseURL string `yaml:"database_url"` // PostgreSQL connection URL
	SQLitePath  string `yaml:"sqlite_path"`  // file path or :memory:
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// InternalToken authorizes scheduler-facing routes
	InternalToken       string        `yaml:"internal_token"`
	RateLimitPerMinute  int           `yaml:"rate_limit_per_minute"`
	GenerateLimitPerMin int           `yaml:"generate_limit_per_minute"`
	RateLimitWhitelist  string        `yaml:"rate_limit_whitelist"` // comma-separated client IPs
	StreamPollInterval  time.Duration `yaml:"stream_poll_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig configures the generation capability
type LLMConfig struct {
	APIKey            string            `yaml:"api_key"`
	Models            map[string]string `yaml:"models"` // tier -> model name
	Temperature       float32           `yaml:"temperature"`
	RequestsPerMinute float64           `yaml:"requests_per_minute"`
	Burst             int               `yaml:"burst"`
	MaxAttempts       int               `yaml:"max_attempts"`
}

// PipelineConfig shapes capsules and paces invocations
type PipelineConfig struct {
	MinModules           int           `yaml:"min_modules"`
	MaxModules           int           `yaml:"max_modules"`
	DefaultLessonMinutes int           `yaml:"default_lesson_minutes"`
	NextStageDelay       time.Duration `yaml:"next_stage_delay"`
	QuotaRetryDelay      time.Duration `yaml:"quota_retry_delay"`
}

// MonitorConfig configures the stale job sweep
type MonitorConfig struct {
	Threshold time.Duration `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
}

// SchedulerConfig selects how invocations are delivered
type SchedulerConfig struct {
	Backend      string        `yaml:"backend"` // inprocess or redis
	RedisAddr    string        `yaml:"redis_addr"`
	QueueKey     string        `yaml:"queue_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// IngestionConfig configures source loading
type IngestionConfig struct {
	MaxSourceChars int           `yaml:"max_source_chars"`
	AllowFiles     bool          `yaml:"allow_files"`
	UseBrowser     bool          `yaml:"use_browser"` // render script-heavy pages in headless Chrome
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Mode  string `yaml:"mode"` // development or production
	Level string `yaml:"level"`
}

// Defaults returns the configuration used for any value left unset
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Driver:     StoreSQLite,
			SQLitePath: "capsules.db",
		},
		Server: ServerConfig{
			Addr:                ":8080",
			RateLimitPerMinute:  120,
			GenerateLimitPerMin: 10,
			StreamPollInterval:  2 * time.Second,
			ShutdownTimeout:     15 * time.Second,
		},
		LLM: LLMConfig{
			RequestsPerMinute: 60,
			Burst:             2,
			MaxAttempts:       3,
		},
		Pipeline: PipelineConfig{
			MinModules:           3,
			MaxModules:           6,
			DefaultLessonMinutes: 8,
			QuotaRetryDelay:      30 * time.Second,
		},
		Monitor: MonitorConfig{
			Threshold: 15 * time.Minute,
			Interval:  time.Minute,
		},
		Scheduler: SchedulerConfig{
			Backend:      SchedulerInProcess,
			QueueKey:     "capsule:jobs:scheduled",
			PollInterval: 500 * time.Millisecond,
			Concurrency:  4,
		},
		Ingestion: IngestionConfig{
			MaxSourceChars: 24000,
			FetchTimeout:   30 * time.Second,
			CacheTTL:       time.Hour,
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Tracing: observability.TracingConfig{
			ServiceName: "capsule-forge",
			SampleRatio: 1,
			Output:      "stderr",
		},
	}
}

// LoadConfig loads configuration from a YAML file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

// Load reads the optional file at path, applies environment overrides, fills defaults, and validates
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	merged := cfg.MergeWithDefaults(Defaults())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// ApplyEnv overrides fields from environment variables. getenv is os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.SQLitePath, "SQLITE_PATH")
	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Server.InternalToken, "INTERNAL_TOKEN")
	setString(&c.Server.RateLimitWhitelist, "RATE_LIMIT_WHITELIST")
	setString(&c.LLM.APIKey, "GEMINI_API_KEY")
	setString(&c.Scheduler.Backend, "SCHEDULER_BACKEND")
	setString(&c.Scheduler.RedisAddr, "REDIS_ADDR")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Mode, "LOG_MODE")

	if port := strings.TrimSpace(getenv("PORT")); port != "" && c.Server.Addr == "" {
		c.Server.Addr = ":" + port
	}
	// A database URL without an explicit driver means Postgres
	if c.Store.Driver == "" && c.Store.DatabaseURL != "" {
		c.Store.Driver = StorePostgres
	}

	if v := strings.TrimSpace(getenv("LLM_REQUESTS_PER_MINUTE")); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid LLM_REQUESTS_PER_MINUTE: %w", err)
		}
		c.LLM.RequestsPerMinute = n
	}
	if v := strings.TrimSpace(getenv("INGESTION_USE_BROWSER")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid INGESTION_USE_BROWSER: %w", err)
		}
		c.Ingestion.UseBrowser = b
	}
	if v := strings.TrimSpace(getenv("TRACING_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TRACING_ENABLED: %w", err)
		}
		c.Tracing.Enabled = b
	}
	return nil
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config error: 'store.database_url' is required for the postgres driver")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config error: 'store.sqlite_path' is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config error: unknown store driver %q", c.Store.Driver)
	}

	switch c.Scheduler.Backend {
	case SchedulerInProcess:
	case SchedulerRedis:
		if c.Scheduler.RedisAddr == "" {
			return fmt.Errorf("config error: 'scheduler.redis_addr' is required for the redis backend")
		}
	default:
		return fmt.Errorf("config error: unknown scheduler backend %q", c.Scheduler.Backend)
	}

	if c.Pipeline.MinModules < 1 {
		return fmt.Errorf("config error: 'pipeline.min_modules' must be at least 1")
	}
	if c.Pipeline.MaxModules < c.Pipeline.MinModules {
		return fmt.Errorf("config error: 'pipeline.max_modules' must be at least 'pipeline.min_modules'")
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("config error: 'llm.max_attempts' must be at least 1")
	}
	if c.LLM.RequestsPerMinute < 0 {
		return fmt.Errorf("config error: 'llm.requests_per_minute' must be non-negative")
	}
	for tier := range c.LLM.Models {
		switch tier {
		case "lite", "standard", "advanced":
		default:
			return fmt.Errorf("config error: unknown model tier %q", tier)
		}
	}
	if c.Monitor.Threshold <= 0 || c.Monitor.Interval <= 0 {
		return fmt.Errorf("config error: monitor threshold and interval must be positive")
	}
	if c.Monitor.Interval > c.Monitor.Threshold {
		return fmt.Errorf("config error: 'monitor.interval' must not exceed 'monitor.threshold'")
	}
	return nil
}

// MergeWithDefaults returns a new Config with zero-valued fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	str := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	num := func(dst *int, def int) {
		if *dst == 0 {
			*dst = def
		}
	}
	dur := func(dst *time.Duration, def time.Duration) {
		if *dst == 0 {
			*dst = def
		}
	}

	str(&result.Store.Driver, defaults.Store.Driver)
	str(&result.Store.DatabaseURL, defaults.Store.DatabaseURL)
	str(&result.Store.SQLitePath, defaults.Store.SQLitePath)

	str(&result.Server.Addr, defaults.Server.Addr)
	str(&result.Server.InternalToken, defaults.Server.InternalToken)
	num(&result.Server.RateLimitPerMinute, defaults.Server.RateLimitPerMinute)
	num(&result.Server.GenerateLimitPerMin, defaults.Server.GenerateLimitPerMin)
	dur(&result.Server.StreamPollInterval, defaults.Server.StreamPollInterval)
	dur(&result.Server.ShutdownTimeout, defaults.Server.ShutdownTimeout)

	str(&result.LLM.APIKey, defaults.LLM.APIKey)
	if result.LLM.Temperature == 0 {
		result.LLM.Temperature = defaults.LLM.Temperature
	}
	if result.LLM.RequestsPerMinute == 0 {
		result.LLM.RequestsPerMinute = defaults.LLM.RequestsPerMinute
	}
	num(&result.LLM.Burst, defaults.LLM.Burst)
	num(&result.LLM.MaxAttempts, defaults.LLM.MaxAttempts)
	if len(defaults.LLM.Models) > 0 {
		models := make(map[string]string, len(defaults.LLM.Models)+len(result.LLM.Models))
		for k, v := range defaults.LLM.Models {
			models[k] = v
		}
		for k, v := range result.LLM.Models {
			models[k] = v
		}
		result.LLM.Models = models
	}

	num(&result.Pipeline.MinModules, defaults.Pipeline.MinModules)
	num(&result.Pipeline.MaxModules, defaults.Pipeline.MaxModules)
	num(&result.Pipeline.DefaultLessonMinutes, defaults.Pipeline.DefaultLessonMinutes)
	dur(&result.Pipeline.NextStageDelay, defaults.Pipeline.NextStageDelay)
	dur(&result.Pipeline.QuotaRetryDelay, defaults.Pipeline.QuotaRetryDelay)

	dur(&result.Monitor.Threshold, defaults.Monitor.Threshold)
	dur(&result.Monitor.Interval, defaults.Monitor.Interval)

	str(&result.Scheduler.Backend, defaults.Scheduler.Backend)
	str(&result.Scheduler.RedisAddr, defaults.Scheduler.RedisAddr)
	str(&result.Scheduler.QueueKey, defaults.Scheduler.QueueKey)
	dur(&result.Scheduler.PollInterval, defaults.Scheduler.PollInterval)
	num(&result.Scheduler.Concurrency, defaults.Scheduler.Concurrency)

	num(&result.Ingestion.MaxSourceChars, defaults.Ingestion.MaxSourceChars)
	dur(&result.Ingestion.FetchTimeout, defaults.Ingestion.FetchTimeout)
	dur(&result.Ingestion.CacheTTL, defaults.Ingestion.CacheTTL)
	result.Ingestion.AllowFiles = result.Ingestion.AllowFiles || defaults.Ingestion.AllowFiles
	result.Ingestion.UseBrowser = result.Ingestion.UseBrowser || defaults.Ingestion.UseBrowser

	str(&result.Logging.Mode, defaults.Logging.Mode)
	str(&result.Logging.Level, defaults.Logging.Level)

	str(&result.Tracing.ServiceName, defaults.Tracing.ServiceName)
	str(&result.Tracing.Output, defaults.Tracing.Output)
	if result.Tracing.SampleRatio == 0 {
		result.Tracing.SampleRatio = defaults.Tracing.SampleRatio
	}
	result.Tracing.Enabled = result.Tracing.Enabled || defaults.Tracing.Enabled

	return result
}
