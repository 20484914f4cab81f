package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
	Security   SecurityConfig   `yaml:"security"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type StoreConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
	WriterBuffer    int           `yaml:"writer_buffer"`
}

type WorkspaceConfig struct {
	Root             string        `yaml:"root"`
	TemplateRepoURL  string        `yaml:"template_repo_url"`
	TemplateVersion  string        `yaml:"template_version"`
	InterpreterPath  string        `yaml:"interpreter_path"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
}

type SupervisorConfig struct {
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
	MaxConcurrent   int           `yaml:"max_concurrent_deploys"`
}

type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	PerBotTimeout time.Duration `yaml:"per_bot_timeout"`
	RenewalDays   int           `yaml:"renewal_reminder_days"`
}

// DefaultsConfig carries the platform-wide admin and channel identity written
// into a bot's credential file when the bot record has no override.
type DefaultsConfig struct {
	AdminID   int64  `yaml:"admin_id"`
	ChannelID string `yaml:"channel_id"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute, // restart-all on a large fleet is slow
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Store: StoreConfig{
			DSN:             "",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
			WriterBuffer:    1024,
		},
		Workspace: WorkspaceConfig{
			Root:             "deployments",
			TemplateRepoURL:  "",
			TemplateVersion:  "1",
			InterpreterPath:  "/usr/bin/python3",
			ProvisionTimeout: 5 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			StopGracePeriod: 10 * time.Second,
			RestartDelay:    2 * time.Second,
			MaxConcurrent:   8,
		},
		Reconcile: ReconcileConfig{
			Interval:      5 * time.Minute,
			PerBotTimeout: 2 * time.Minute,
			RenewalDays:   3,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root must not be empty")
	}
	if c.Workspace.InterpreterPath == "" {
		return fmt.Errorf("workspace.interpreter_path must not be empty")
	}
	if c.Supervisor.StopGracePeriod < time.Second {
		return fmt.Errorf("supervisor.stop_grace_period must be >= 1s, got %s", c.Supervisor.StopGracePeriod)
	}
	if c.Supervisor.MaxConcurrent < 1 {
		return fmt.Errorf("supervisor.max_concurrent_deploys must be >= 1")
	}
	if c.Reconcile.Interval < 10*time.Second {
		return fmt.Errorf("reconcile.interval must be >= 10s, got %s", c.Reconcile.Interval)
	}
	if c.Reconcile.PerBotTimeout < time.Second {
		return fmt.Errorf("reconcile.per_bot_timeout must be >= 1s, got %s", c.Reconcile.PerBotTimeout)
	}
	if c.Reconcile.RenewalDays < 0 {
		return fmt.Errorf("reconcile.renewal_reminder_days must be >= 0")
	}
	if c.Store.DSN != "" && strings.Contains(c.Store.DSN, "sslmode=disable") {
		log.Warn().Msg("store DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
