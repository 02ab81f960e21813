package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: test-dashboard
connection:
  url: wss://dash.example.com/live
  protocols: [dash.v2]
  reconnect_interval: 2s
  max_reconnect_attempts: 4
subscriptions:
  - metrics.updated
  - alert.raised
journal:
  enabled: true
  database:
    host: localhost
    port: 5432
    name: test_db
    user: testuser
    password: testpass
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "test-dashboard" {
		t.Errorf("Instance.ID = %q, want %q", cfg.Instance.ID, "test-dashboard")
	}
	if cfg.Connection.URL != "wss://dash.example.com/live" {
		t.Errorf("Connection.URL = %q, want %q", cfg.Connection.URL, "wss://dash.example.com/live")
	}
	if cfg.Connection.ReconnectInterval == nil || *cfg.Connection.ReconnectInterval != 2*time.Second {
		t.Errorf("Connection.ReconnectInterval = %v, want 2s", cfg.Connection.ReconnectInterval)
	}
	if cfg.Connection.MaxReconnectAttempts == nil || *cfg.Connection.MaxReconnectAttempts != 4 {
		t.Errorf("Connection.MaxReconnectAttempts = %v, want 4", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Connection.Reconnect != nil {
		t.Errorf("Connection.Reconnect = %v, want nil when absent", *cfg.Connection.Reconnect)
	}
	if len(cfg.Subscriptions) != 2 || cfg.Subscriptions[1] != "alert.raised" {
		t.Errorf("Subscriptions = %v, want [metrics.updated alert.raised]", cfg.Subscriptions)
	}
	if cfg.Journal.Database.Host != "localhost" {
		t.Errorf("Journal.Database.Host = %q, want %q", cfg.Journal.Database.Host, "localhost")
	}
}

func TestLoadExplicitZeroValues(t *testing.T) {
	yaml := `
connection:
  url: ws://localhost:8080/ws
  reconnect: false
  reconnect_interval: 0s
  max_reconnect_attempts: 0
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	cc := cfg.Connection.ToClientConfig()
	if cc.Reconnect == nil || *cc.Reconnect {
		t.Errorf("Reconnect = %v, want explicit false", cc.Reconnect)
	}
	if cc.ReconnectInterval == nil || *cc.ReconnectInterval != 0 {
		t.Errorf("ReconnectInterval = %v, want explicit 0", cc.ReconnectInterval)
	}
	if cc.MaxReconnectAttempts == nil || *cc.MaxReconnectAttempts != 0 {
		t.Errorf("MaxReconnectAttempts = %v, want explicit 0", cc.MaxReconnectAttempts)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_DASH_TOKEN", "tok-1")

	yaml := `
connection:
  url: ws://localhost:8080/ws
  headers:
    Authorization: Bearer ${TEST_DASH_TOKEN}
journal:
  database:
    host: localhost
    name: test_db
    user: testuser
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Journal.Database.Password != "secret123" {
		t.Errorf("Journal.Database.Password = %q, want %q", cfg.Journal.Database.Password, "secret123")
	}

	header := cfg.Connection.ToClientConfig().Header
	if got := header.Get("Authorization"); got != "Bearer tok-1" {
		t.Errorf("Authorization header = %q, want %q", got, "Bearer tok-1")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config file") {
		t.Errorf("Load() error = %v, want read config file error", err)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("connection: [unterminated"))
	if err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("Parse() error = %v, want parse config yaml error", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
connection:
  url: ws://localhost:8080/ws
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Instance.ID != DefaultInstanceID {
		t.Errorf("Instance.ID = %q, want default %q", cfg.Instance.ID, DefaultInstanceID)
	}
	if cfg.Journal.Table != DefaultJournalTable {
		t.Errorf("Journal.Table = %q, want default %q", cfg.Journal.Table, DefaultJournalTable)
	}
	if cfg.Journal.FlushInterval != DefaultJournalFlush {
		t.Errorf("Journal.FlushInterval = %v, want default %v", cfg.Journal.FlushInterval, DefaultJournalFlush)
	}
	if cfg.Journal.Database.Port != DefaultDBPort {
		t.Errorf("Journal.Database.Port = %d, want default %d", cfg.Journal.Database.Port, DefaultDBPort)
	}
	if cfg.Journal.Database.MaxConns != DefaultMaxConns {
		t.Errorf("Journal.Database.MaxConns = %d, want default %d", cfg.Journal.Database.MaxConns, DefaultMaxConns)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
	if cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, DefaultLogFormat)
	}

	// Connection fields are left for the client to default.
	if cfg.Connection.Reconnect != nil || cfg.Connection.MaxReconnectAttempts != nil {
		t.Error("connection pointer fields should stay nil")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() after defaults: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Instance:   InstanceConfig{ID: "test"},
			Connection: ConnectionConfig{URL: "ws://localhost:8080/ws"},
			Journal: JournalConfig{
				Enabled:       true,
				Database:      DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 4, MinConns: 1},
				Table:         "envelopes",
				BatchSize:     100,
				FlushInterval: time.Second,
				BufferSize:    1000,
			},
			Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
			Log:     LogConfig{Level: "info", Format: "text"},
		}
	}
	negative := -1

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing instance id",
			mutate:  func(c *Config) { c.Instance.ID = "" },
			wantErr: "instance.id is required",
		},
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.Connection.URL = "" },
			wantErr: "connection.url is required",
		},
		{
			name:    "http url",
			mutate:  func(c *Config) { c.Connection.URL = "http://localhost" },
			wantErr: `connection.url scheme must be ws or wss, got "http"`,
		},
		{
			name:    "negative attempts",
			mutate:  func(c *Config) { c.Connection.MaxReconnectAttempts = &negative },
			wantErr: "connection.max_reconnect_attempts must be >= 0",
		},
		{
			name:    "empty subscription",
			mutate:  func(c *Config) { c.Subscriptions = []string{"a", " "} },
			wantErr: "subscriptions[1] must not be empty",
		},
		{
			name:    "missing journal password",
			mutate:  func(c *Config) { c.Journal.Database.Password = "" },
			wantErr: "journal.database.password is required",
		},
		{
			name:    "journal disabled skips database checks",
			mutate:  func(c *Config) { c.Journal.Enabled = false; c.Journal.Database = DBConfig{} },
			wantErr: "",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Journal.Database.MaxConns = 5
				c.Journal.Database.MinConns = 10
			},
			wantErr: "journal.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "bad table name",
			mutate:  func(c *Config) { c.Journal.Table = "envelopes; drop table x" },
			wantErr: `journal.table "envelopes; drop table x" is not a valid table name`,
		},
		{
			name:    "schema qualified table",
			mutate:  func(c *Config) { c.Journal.Table = "dash.envelopes" },
			wantErr: "",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Journal.BatchSize = 0 },
			wantErr: "journal.batch_size must be >= 1",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: `log.level must be debug, info, warn or error, got "verbose"`,
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: `log.format must be text or json, got "xml"`,
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

func TestLoadAndValidate(t *testing.T) {
	path := writeTempFile(t, "instance:\n  id: x\n")

	_, err := LoadAndValidate(path)
	if err == nil || err.Error() != "validate config: connection.url is required" {
		t.Errorf("LoadAndValidate() error = %v, want connection.url is required", err)
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output = %s, want msg and attrs", out)
	}

	if _, err := (LogConfig{Level: "loud"}).NewLogger(&buf); err == nil {
		t.Error("NewLogger() with bad level should fail")
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
