// Package config loads engine configuration from YAML files and
// STRAND_* environment variables. Environment overrides file values;
// file values override defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strandkit/strand/pkg/errors"
)

// Config represents the complete engine configuration.
type Config struct {
	// DatabaseURL selects the backing store. Accepted forms:
	//   memory                     in-process SQLite, lost on exit
	//   /path/to/strand.db         embedded SQLite file
	//   sqlite:///path/to/file.db  embedded SQLite file
	//   postgresql://...           PostgreSQL via pgx
	// Environment: STRAND_DATABASE_URL. Default: memory
	DatabaseURL string `yaml:"database_url,omitempty"`

	// DataDir is the directory for the default SQLite file and other
	// engine state. Environment: STRAND_DATA_DIR. Default: ~/.strand
	DataDir string `yaml:"data_dir,omitempty"`

	// FallbackToEmbedded opens an in-process SQLite store when the
	// configured PostgreSQL server is unreachable at startup, instead
	// of failing. Environment: STRAND_FALLBACK_TO_EMBEDDED.
	// Default: false
	FallbackToEmbedded bool `yaml:"fallback_to_embedded,omitempty"`

	// InitSchema creates missing tables on startup.
	// Default: true
	InitSchema *bool `yaml:"init_schema,omitempty"`

	// DefaultLane is the lane assigned to runs submitted without one.
	// Default: default
	DefaultLane string `yaml:"default_lane,omitempty"`

	// MaxConcurrency caps runs executing at once per process.
	// Environment: STRAND_MAX_CONCURRENCY. Default: 8
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`

	// LeaseTTL is the default concurrency lease duration.
	// Default: 5m
	LeaseTTL time.Duration `yaml:"lease_ttl,omitempty"`

	// SchedulerTick is the scheduler poll interval.
	// Environment: STRAND_SCHEDULER_TICK. Default: 15s
	SchedulerTick time.Duration `yaml:"scheduler_tick,omitempty"`

	// MisfireGrace is how late a due schedule may fire before the
	// occurrence is recorded as a misfire instead.
	// Default: 5m
	MisfireGrace time.Duration `yaml:"misfire_grace,omitempty"`

	// MaxRetries is the automatic retry budget for retryable run
	// failures before dead-lettering. Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetentionDays is how long terminal runs and their events are kept
	// before PurgeOldData removes them. Zero disables purging.
	RetentionDays int `yaml:"retention_days,omitempty"`

	// Log configures structured logging output.
	Log LogConfig `yaml:"log,omitempty"`

	// MetricsAddr exposes Prometheus metrics when non-empty,
	// e.g. ":9090". Environment: STRAND_METRICS_ADDR.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`
	// Format sets the output format (json, text).
	Format string `yaml:"format,omitempty"`
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	enabled := true
	return &Config{
		DatabaseURL:    "memory",
		DataDir:        home + "/.strand",
		InitSchema:     &enabled,
		DefaultLane:    "default",
		MaxConcurrency: 8,
		LeaseTTL:       5 * time.Minute,
		SchedulerTick:  15 * time.Second,
		MisfireGrace:   5 * time.Minute,
		MaxRetries:     3,
		Log:            LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file, merges it over defaults, then applies
// environment overrides. A missing file is not an error; defaults and
// environment still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies STRAND_* environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("STRAND_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("STRAND_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STRAND_FALLBACK_TO_EMBEDDED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FallbackToEmbedded = b
		}
	}
	if v := os.Getenv("STRAND_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("STRAND_SCHEDULER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SchedulerTick = d
		}
	}
	if v := os.Getenv("STRAND_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("STRAND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("STRAND_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return &errors.ValidationError{
			Field:      "database_url",
			Message:    "must not be empty",
			Suggestion: "use \"memory\", a file path, or a postgresql:// URL",
		}
	}
	if c.MaxConcurrency < 1 {
		return &errors.ValidationError{
			Field:   "max_concurrency",
			Message: fmt.Sprintf("must be at least 1, got %d", c.MaxConcurrency),
		}
	}
	if c.SchedulerTick < time.Second {
		return &errors.ValidationError{
			Field:      "scheduler_tick",
			Message:    "must be at least 1s",
			Suggestion: "short ticks hammer the store without improving fire accuracy",
		}
	}
	if c.LeaseTTL <= 0 {
		return &errors.ValidationError{
			Field:   "lease_ttl",
			Message: "must be positive",
		}
	}
	if c.MisfireGrace < 0 {
		return &errors.ValidationError{
			Field:   "misfire_grace",
			Message: "must not be negative",
		}
	}
	if c.MaxRetries < 0 {
		return &errors.ValidationError{
			Field:   "max_retries",
			Message: "must not be negative",
		}
	}
	if c.RetentionDays < 0 {
		return &errors.ValidationError{
			Field:   "retention_days",
			Message: "must not be negative",
		}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return &errors.ValidationError{
			Field:      "log.format",
			Message:    fmt.Sprintf("unknown format %q", c.Log.Format),
			Suggestion: "use json or text",
		}
	}
	return nil
}

// SchemaInit reports whether startup should create missing tables.
func (c *Config) SchemaInit() bool {
	return c.InitSchema == nil || *c.InitSchema
}
