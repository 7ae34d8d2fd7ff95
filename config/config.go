package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Allocation AllocationConfig `yaml:"allocation"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are present.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	TenantHeader    string   `yaml:"tenant_header"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

// AllocationConfig tunes the allocation workflow and the capacity ledger.
type AllocationConfig struct {
	ReserveMaxAttempts    int           `yaml:"reserve_max_attempts"`
	ReleaseRetries        int           `yaml:"release_retries"`
	CleanupTimeoutSeconds int           `yaml:"cleanup_timeout_seconds"`
	CleanupTimeout        time.Duration `yaml:"-"`
}

// ReconcilerConfig controls the periodic occupancy audit.
type ReconcilerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres, mysql or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"` // silent, error, warn, info
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

const defaultReleaseRetries = 3

// Load reads the configuration from the given path and applies
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Keys that are absent keep these values, so an explicit zero survives.
	cfg := Config{Allocation: AllocationConfig{ReleaseRetries: defaultReleaseRetries}}
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DATABASE_DRIVER")); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("ignoring invalid PORT", "value", v)
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.TenantHeader == "" {
		cfg.Server.TenantHeader = "X-Tenant-ID"
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 300
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}

	if cfg.Allocation.ReserveMaxAttempts <= 0 {
		cfg.Allocation.ReserveMaxAttempts = 5
	}
	if cfg.Allocation.ReleaseRetries < 0 {
		cfg.Allocation.ReleaseRetries = defaultReleaseRetries
	}
	if cfg.Allocation.CleanupTimeoutSeconds <= 0 {
		cfg.Allocation.CleanupTimeoutSeconds = 10
	}
	cfg.Allocation.CleanupTimeout = time.Duration(cfg.Allocation.CleanupTimeoutSeconds) * time.Second

	if cfg.Reconciler.IntervalSeconds <= 0 {
		cfg.Reconciler.IntervalSeconds = 60
	}
	cfg.Reconciler.Interval = time.Duration(cfg.Reconciler.IntervalSeconds) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		slog.Info("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// NewLogger builds the process logger described by the log section.
func (c LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", "hosteld")
}
