package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: broker-1
server:
  addr: ":9000"
  allowed_origins: ["https://panel.example.com"]
pool:
  idle_grace: 45s
database:
  postgres:
    host: localhost
    name: routers
    user: app
    password: pw
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "broker-1" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "broker-1")
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9000")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://panel.example.com" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Pool.IdleGrace != 45*time.Second {
		t.Errorf("Pool.IdleGrace = %v, want 45s", cfg.Pool.IdleGrace)
	}
	if !cfg.Database.Enabled() {
		t.Error("Database.Enabled() = false, want true")
	}
	if cfg.Database.Postgres.ApplicationName != DefaultDBApplicationName {
		t.Errorf("Database.Postgres.ApplicationName = %q, want %q",
			cfg.Database.Postgres.ApplicationName, DefaultDBApplicationName)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")

	yaml := `
instance:
  id: broker-1
database:
  postgres:
    host: localhost
    name: routers
    user: app
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Postgres.Password != "secret123" {
		t.Errorf("Database.Postgres.Password = %q, want %q", cfg.Database.Postgres.Password, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "instance:\n  id: broker-1\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Server.Addr = %q, want default %q", cfg.Server.Addr, DefaultAddr)
	}
	if cfg.Pool.IdleGrace != DefaultIdleGrace {
		t.Errorf("Pool.IdleGrace = %v, want default %v", cfg.Pool.IdleGrace, DefaultIdleGrace)
	}
	if cfg.Exec.DefaultTimeout != DefaultExecTimeout {
		t.Errorf("Exec.DefaultTimeout = %v, want default %v", cfg.Exec.DefaultTimeout, DefaultExecTimeout)
	}
	if cfg.Device.Path != DefaultDevicePath {
		t.Errorf("Device.Path = %q, want default %q", cfg.Device.Path, DefaultDevicePath)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
	// Database stays disabled and untouched when no host is configured.
	if cfg.Database.Postgres.Port != 0 {
		t.Errorf("Database.Postgres.Port = %d, want 0 without a host", cfg.Database.Postgres.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config failed validation: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() failed validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() BrokerConfig {
		cfg := BrokerConfig{Instance: InstanceConfig{ID: "test"}}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*BrokerConfig)
		wantErr string
	}{
		{
			name:    "missing instance id",
			mutate:  func(c *BrokerConfig) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "relative ws path",
			mutate:  func(c *BrokerConfig) { c.Server.WSPath = "ws" },
			wantErr: `server.ws_path must start with '/', got "ws"`,
		},
		{
			name: "ping interval not below read timeout",
			mutate: func(c *BrokerConfig) {
				c.Server.PingInterval = time.Minute
				c.Server.ReadTimeout = time.Minute
			},
			wantErr: "server.ping_interval (1m0s) must be less than server.read_timeout (1m0s)",
		},
		{
			name: "exec default above max",
			mutate: func(c *BrokerConfig) {
				c.Exec.DefaultTimeout = time.Hour
			},
			wantErr: "exec.default_timeout (1h0m0s) cannot exceed exec.max_timeout (2m0s)",
		},
		{
			name:    "bad device scheme",
			mutate:  func(c *BrokerConfig) { c.Device.Scheme = "http" },
			wantErr: `device.scheme must be ws or wss, got "http"`,
		},
		{
			name: "missing postgres password",
			mutate: func(c *BrokerConfig) {
				c.Database.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 5}
			},
			wantErr: "database.postgres.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *BrokerConfig) {
				c.Database.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.postgres.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "audit without database",
			mutate:  func(c *BrokerConfig) { c.Audit.Enabled = true },
			wantErr: "audit.enabled requires database.postgres",
		},
		{
			name:    "bad log level",
			mutate:  func(c *BrokerConfig) { c.Log.Level = "trace" },
			wantErr: `log.level must be one of debug, info, warn, error, got "trace"`,
		},
		{
			name:    "valid config",
			mutate:  func(c *BrokerConfig) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
