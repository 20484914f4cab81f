package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Supervisor.StopGracePeriod != 10*time.Second {
		t.Errorf("Supervisor.StopGracePeriod = %s, want 10s", cfg.Supervisor.StopGracePeriod)
	}
	if cfg.Reconcile.Interval != 5*time.Minute {
		t.Errorf("Reconcile.Interval = %s, want 5m", cfg.Reconcile.Interval)
	}
	if cfg.Reconcile.RenewalDays != 3 {
		t.Errorf("Reconcile.RenewalDays = %d, want 3", cfg.Reconcile.RenewalDays)
	}
	if cfg.Workspace.InterpreterPath == "" {
		t.Error("Workspace.InterpreterPath is empty")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"empty workspace root", func(c *Config) { c.Workspace.Root = "" }, true},
		{"empty interpreter", func(c *Config) { c.Workspace.InterpreterPath = "" }, true},
		{"sub-second grace period", func(c *Config) { c.Supervisor.StopGracePeriod = 100 * time.Millisecond }, true},
		{"max_concurrent_deploys 0", func(c *Config) { c.Supervisor.MaxConcurrent = 0 }, true},
		{"reconcile interval too short", func(c *Config) { c.Reconcile.Interval = time.Second }, true},
		{"negative renewal days", func(c *Config) { c.Reconcile.RenewalDays = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
workspace:
  root: /tmp/fleet
supervisor:
  stop_grace_period: 5s
reconcile:
  interval: 1m
  renewal_reminder_days: 7
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Workspace.Root != "/tmp/fleet" {
		t.Errorf("Workspace.Root = %q, want /tmp/fleet", cfg.Workspace.Root)
	}
	if cfg.Supervisor.StopGracePeriod != 5*time.Second {
		t.Errorf("StopGracePeriod = %s, want 5s", cfg.Supervisor.StopGracePeriod)
	}
	// Unset fields keep defaults
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %s, want default 30s", cfg.Server.ShutdownTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() on missing file should fail")
	}
}
