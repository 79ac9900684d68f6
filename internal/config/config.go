// Package config loads and watches the overseer's YAML configuration.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the snapshot file or sqlite database path. Relative paths
	// resolve under the home dir.
	Path string `yaml:"path"`
}

// RateLimitConfig tunes the per-key token buckets on the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin access to the HTTP endpoints.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// GatewayConfig configures the JSON-RPC gateway.
type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

// SweepConfig is one extra scheduled reconciliation pass on top of the
// interval ticker, named so it shows up as the tick reason.
type SweepConfig struct {
	Name     string `yaml:"name"`
	CronExpr string `yaml:"cron_expr"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	IntervalSeconds int           `yaml:"interval_seconds"`
	Sweeps          []SweepConfig `yaml:"sweeps"`

	IdleAfterMs     int64 `yaml:"idle_after_ms"`
	GraceMultiplier int   `yaml:"grace_multiplier"`
	MaxRetries      int   `yaml:"max_retries"`
	BackoffBaseMs   int64 `yaml:"backoff_base_ms"`
	BackoffCapMs    int64 `yaml:"backoff_cap_ms"`
}

// WorkerConfig selects the runtime that executes dispatched work. When
// Command is empty the daemon runs with a log-only runtime, which is
// useful for driving the orchestration loop without real workers.
type WorkerConfig struct {
	// Command is the worker launcher invoked per dispatch. It receives
	// the dispatch request as JSON on stdin.
	Command []string `yaml:"command"`
}

// DashboardConfig points notifications at the human-facing dashboard.
type DashboardConfig struct {
	BaseURL string `yaml:"base_url"`
}

// TelemetryConfig controls the OpenTelemetry pipeline.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "stdout" or "otlp".
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP HTTP endpoint when exporter is "otlp".
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Worker    WorkerConfig    `yaml:"worker"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend: "file",
			Path:    "state.json",
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18890",
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 120,
				BurstSize:         20,
			},
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds: 30,
			IdleAfterMs:     (5 * time.Minute).Milliseconds(),
			GraceMultiplier: 2,
			MaxRetries:      3,
			BackoffBaseMs:   (30 * time.Second).Milliseconds(),
			BackoffCapMs:    (15 * time.Minute).Milliseconds(),
		},
	}
}

// HomeDir returns the overseer home directory, honoring the
// OVERSEER_HOME override.
func HomeDir() string {
	if override := os.Getenv("OVERSEER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".overseer")
}

// ConfigPath returns the path to config.yaml within the home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the overseer home, applies env overrides
// and fills defaults. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create overseer home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		if cfg.Store.Backend == "sqlite" {
			cfg.Store.Path = "state.db"
		} else {
			cfg.Store.Path = "state.json"
		}
	}
	if !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(cfg.HomeDir, cfg.Store.Path)
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18890"
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Gateway.RateLimit.BurstSize <= 0 {
		cfg.Gateway.RateLimit.BurstSize = 20
	}
	if cfg.Reconcile.IntervalSeconds <= 0 {
		cfg.Reconcile.IntervalSeconds = 30
	}
	if cfg.Reconcile.IdleAfterMs <= 0 {
		cfg.Reconcile.IdleAfterMs = (5 * time.Minute).Milliseconds()
	}
	if cfg.Reconcile.GraceMultiplier <= 0 {
		cfg.Reconcile.GraceMultiplier = 2
	}
	if cfg.Reconcile.MaxRetries <= 0 {
		cfg.Reconcile.MaxRetries = 3
	}
	if cfg.Reconcile.BackoffBaseMs <= 0 {
		cfg.Reconcile.BackoffBaseMs = (30 * time.Second).Milliseconds()
	}
	if cfg.Reconcile.BackoffCapMs <= 0 {
		cfg.Reconcile.BackoffCapMs = (15 * time.Minute).Milliseconds()
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.backend must be \"file\" or \"sqlite\", got %q", cfg.Store.Backend)
	}
	switch cfg.Telemetry.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("telemetry.exporter must be \"stdout\" or \"otlp\", got %q", cfg.Telemetry.Exporter)
	}
	if cfg.Reconcile.BackoffCapMs < cfg.Reconcile.BackoffBaseMs {
		return fmt.Errorf("reconcile.backoff_cap_ms (%d) below backoff_base_ms (%d)",
			cfg.Reconcile.BackoffCapMs, cfg.Reconcile.BackoffBaseMs)
	}
	for _, sweep := range cfg.Reconcile.Sweeps {
		if sweep.Name == "" || sweep.CronExpr == "" {
			return fmt.Errorf("reconcile sweep needs both name and cron_expr")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OVERSEER_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("OVERSEER_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("OVERSEER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OVERSEER_STORE_BACKEND"); raw != "" {
		cfg.Store.Backend = raw
	}
	if raw := os.Getenv("OVERSEER_STORE_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("OVERSEER_DASHBOARD_URL"); raw != "" {
		cfg.Dashboard.BaseURL = raw
	}
	if raw := os.Getenv("OVERSEER_RECONCILE_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Reconcile.IntervalSeconds = v
		}
	}
}

// Interval returns the reconcile interval as a duration.
func (r ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, exposed in
// system.status so clients can detect live reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "store=%s:%s|bind=%s|log=%s|interval=%d|retries=%d|origins=%v",
		c.Store.Backend, c.Store.Path, c.Gateway.BindAddr, c.LogLevel,
		c.Reconcile.IntervalSeconds, c.Reconcile.MaxRetries, c.Gateway.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
