package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"TODOMIRROR_CONFIG_PATH",
		"TODOMIRROR_ENV_FILE",
		"TODOMIRROR_BACKEND_URL",
		"TODOMIRROR_REQUEST_TIMEOUT",
		"TODOMIRROR_USER",
		"TODOMIRROR_TOKEN",
		"TODOMIRROR_JWT_SECRET",
		"TODOMIRROR_TOKEN_TTL",
		"TODOMIRROR_SNAPSHOT_SIZE",
		"TODOMIRROR_PING_INTERVAL",
		"TODOMIRROR_PONG_TIMEOUT",
		"TODOMIRROR_CONFIRM_STRATEGY",
		"TODOMIRROR_RETRY_MAX_ATTEMPTS",
		"TODOMIRROR_RETRY_BASE_DELAY",
		"TODOMIRROR_PORT",
		"TODOMIRROR_DB_PATH",
		"TODOMIRROR_SHUTDOWN_TIMEOUT",
		"TODOMIRROR_COMPACTION_INTERVAL",
		"TODOMIRROR_CHANGELOG_RETENTION",
		"TODOMIRROR_AUDIT_DIR",
		"TODOMIRROR_ARCHIVE_ENDPOINT",
		"TODOMIRROR_ARCHIVE_BUCKET",
		"TODOMIRROR_ARCHIVE_REGION",
		"TODOMIRROR_ARCHIVE_PREFIX",
		"TODOMIRROR_ARCHIVE_USE_SSL",
		"TODOMIRROR_ARCHIVE_ACCESS_KEY",
		"TODOMIRROR_ARCHIVE_SECRET_KEY",
		"TODOMIRROR_LOG_LEVEL",
		"TODOMIRROR_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
	t.Cleanup(func() {
		for _, v := range envVars {
			os.Unsetenv(v)
		}
	})
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// Test: Default values when no config file and no env vars
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.URL != "http://localhost:8080" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if dur(cfg.Backend.RequestTimeout) != 30*time.Second {
		t.Errorf("Backend.RequestTimeout = %v, want 30s", cfg.Backend.RequestTimeout)
	}
	if cfg.Feed.SnapshotSize != 1000 {
		t.Errorf("Feed.SnapshotSize = %d, want 1000", cfg.Feed.SnapshotSize)
	}
	if dur(cfg.Feed.PingInterval) != 30*time.Second {
		t.Errorf("Feed.PingInterval = %v, want 30s", cfg.Feed.PingInterval)
	}
	if cfg.Gateway.Strategy != StrategyFireAndForget {
		t.Errorf("Gateway.Strategy = %q, want %q", cfg.Gateway.Strategy, StrategyFireAndForget)
	}
	if cfg.Gateway.RetryMaxAttempts != 5 {
		t.Errorf("Gateway.RetryMaxAttempts = %d, want 5", cfg.Gateway.RetryMaxAttempts)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.DatabasePath != "data/todomirror.db" {
		t.Errorf("Server.DatabasePath = %q", cfg.Server.DatabasePath)
	}
	if dur(cfg.Server.CompactionInterval) != time.Hour {
		t.Errorf("Server.CompactionInterval = %v, want 1h", cfg.Server.CompactionInterval)
	}
	if dur(cfg.Server.ChangeLogRetention) != 7*24*time.Hour {
		t.Errorf("Server.ChangeLogRetention = %v, want 168h", cfg.Server.ChangeLogRetention)
	}
	if cfg.Archive.Bucket != "" || cfg.Archive.Prefix != "changelog/" {
		t.Errorf("Archive = %+v, want unconfigured with default prefix", cfg.Archive)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}
	if cfg.Auth.Token != "" || cfg.Auth.User != "" {
		t.Errorf("Auth = %+v, want empty", cfg.Auth)
	}
}

// Test: Environment variables override defaults
func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)

	os.Setenv("TODOMIRROR_BACKEND_URL", "http://todo.internal:9000")
	os.Setenv("TODOMIRROR_SNAPSHOT_SIZE", "50")
	os.Setenv("TODOMIRROR_CONFIRM_STRATEGY", "retry")
	os.Setenv("TODOMIRROR_RETRY_BASE_DELAY", "1s")
	os.Setenv("TODOMIRROR_USER", "alice")
	os.Setenv("TODOMIRROR_TOKEN", "tok")
	os.Setenv("TODOMIRROR_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.URL != "http://todo.internal:9000" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.Feed.SnapshotSize != 50 {
		t.Errorf("Feed.SnapshotSize = %d, want 50", cfg.Feed.SnapshotSize)
	}
	if cfg.Gateway.Strategy != StrategyRetry {
		t.Errorf("Gateway.Strategy = %q, want retry", cfg.Gateway.Strategy)
	}
	if dur(cfg.Gateway.RetryBaseDelay) != time.Second {
		t.Errorf("Gateway.RetryBaseDelay = %v, want 1s", cfg.Gateway.RetryBaseDelay)
	}
	if cfg.Auth.User != "alice" || cfg.Auth.Token != "tok" {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

// Test: Malformed numeric env vars are ignored
func TestLoad_MalformedEnvVarIgnored(t *testing.T) {
	clearEnv(t)
	os.Setenv("TODOMIRROR_SNAPSHOT_SIZE", "lots")
	os.Setenv("TODOMIRROR_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Feed.SnapshotSize != DefaultSnapshotSize {
		t.Errorf("Feed.SnapshotSize = %d, want default", cfg.Feed.SnapshotSize)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
}

// Test: YAML file loading
func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeFile(t, "config.yaml", `
backend:
  url: http://yaml:1234
  request_timeout: 5s
feed:
  snapshot_size: 200
gateway:
  strategy: retry
  retry_max_attempts: 3
server:
  port: 9999
log:
  level: warn
  format: json
`)

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Backend.URL != "http://yaml:1234" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if dur(cfg.Backend.RequestTimeout) != 5*time.Second {
		t.Errorf("Backend.RequestTimeout = %v, want 5s", cfg.Backend.RequestTimeout)
	}
	if cfg.Feed.SnapshotSize != 200 {
		t.Errorf("Feed.SnapshotSize = %d, want 200", cfg.Feed.SnapshotSize)
	}
	if cfg.Gateway.Strategy != StrategyRetry || cfg.Gateway.RetryMaxAttempts != 3 {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeFile(t, "config.yaml", `
server:
  port: 9000
log:
  level: warn
`)
	os.Setenv("TODOMIRROR_CONFIG_PATH", configPath)
	os.Setenv("TODOMIRROR_PORT", "8888")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888 (env override)", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q (from YAML)", cfg.Log.Level, "warn")
	}
}

// Test: .env file feeds secrets, real env vars still win
func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)

	envPath := writeFile(t, ".env", "TODOMIRROR_TOKEN=from-dotenv\nTODOMIRROR_USER=dotenv-user\n")
	os.Setenv("TODOMIRROR_ENV_FILE", envPath)
	os.Setenv("TODOMIRROR_USER", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.Token != "from-dotenv" {
		t.Errorf("Auth.Token = %q, want from-dotenv", cfg.Auth.Token)
	}
	if cfg.Auth.User != "from-env" {
		t.Errorf("Auth.User = %q, want from-env (env beats .env)", cfg.Auth.User)
	}
}

// Test: Secrets are never read from YAML
func TestLoadFromFile_SecretsIgnoredInYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeFile(t, "config.yaml", `
auth:
  user: alice
  token: leaked
  jwtsecret: leaked
`)
	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Auth.User != "alice" {
		t.Errorf("Auth.User = %q, want alice", cfg.Auth.User)
	}
	if cfg.Auth.Token != "" || cfg.Auth.JWTSecret != "" {
		t.Errorf("secrets loaded from YAML: %+v", cfg.Auth)
	}
}

// Test: Invalid YAML returns error
func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)

	configPath := writeFile(t, "invalid.yaml", `
server:
  port: not_a_number
  this is invalid yaml [
`)
	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("LoadFromFile() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty backend", mutate: func(c *Config) { c.Backend.URL = " " }, wantErr: "backend url"},
		{name: "zero snapshot size", mutate: func(c *Config) { c.Feed.SnapshotSize = 0 }, wantErr: "snapshot_size"},
		{name: "zero ping interval", mutate: func(c *Config) { c.Feed.PingInterval = 0 }, wantErr: "ping_interval"},
		{name: "negative ping interval", mutate: func(c *Config) {
			c.Feed.PingInterval = Duration(-5 * time.Second)
		}, wantErr: "ping_interval"},
		{name: "zero pong timeout", mutate: func(c *Config) { c.Feed.PongTimeout = 0 }, wantErr: "pong_timeout"},
		{name: "negative pong timeout", mutate: func(c *Config) {
			c.Feed.PongTimeout = Duration(-time.Second)
		}, wantErr: "pong_timeout"},
		{name: "unknown strategy", mutate: func(c *Config) { c.Gateway.Strategy = "rollback" }, wantErr: "strategy"},
		{name: "retry without attempts", mutate: func(c *Config) {
			c.Gateway.Strategy = StrategyRetry
			c.Gateway.RetryMaxAttempts = 0
		}, wantErr: "retry_max_attempts"},
		{name: "negative compaction interval", mutate: func(c *Config) {
			c.Server.CompactionInterval = Duration(-time.Second)
		}, wantErr: "compaction_interval"},
		{name: "compaction without retention", mutate: func(c *Config) {
			c.Server.ChangeLogRetention = 0
		}, wantErr: "change_log_retention"},
		{name: "compaction disabled ignores retention", mutate: func(c *Config) {
			c.Server.CompactionInterval = 0
			c.Server.ChangeLogRetention = 0
		}},
		{name: "bucket without endpoint", mutate: func(c *Config) { c.Archive.Bucket = "audit" }, wantErr: "archive endpoint"},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newDefaults()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "1m30s" {
		t.Errorf("Marshal = %q, want 1m30s", out)
	}

	var back Duration
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != d {
		t.Errorf("roundtrip = %v, want %v", back, d)
	}

	if err := yaml.Unmarshal([]byte("soon"), &back); err == nil {
		t.Error("Unmarshal of invalid duration should fail")
	}
}

func TestLoad_ArchiveFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("TODOMIRROR_ARCHIVE_ENDPOINT", "minio:9000")
	os.Setenv("TODOMIRROR_ARCHIVE_BUCKET", "todo-audit")
	os.Setenv("TODOMIRROR_ARCHIVE_USE_SSL", "false")
	os.Setenv("TODOMIRROR_ARCHIVE_ACCESS_KEY", "minioadmin")
	os.Setenv("TODOMIRROR_ARCHIVE_SECRET_KEY", "miniosecret")
	os.Setenv("TODOMIRROR_CHANGELOG_RETENTION", "24h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Archive.Endpoint != "minio:9000" || cfg.Archive.Bucket != "todo-audit" {
		t.Errorf("Archive = %+v", cfg.Archive)
	}
	if cfg.Archive.UseSSL == nil || *cfg.Archive.UseSSL {
		t.Errorf("Archive.UseSSL = %v, want false", cfg.Archive.UseSSL)
	}
	if cfg.Archive.AccessKey != "minioadmin" || cfg.Archive.SecretKey != "miniosecret" {
		t.Error("archive credentials not read from env")
	}
	if dur(cfg.Server.ChangeLogRetention) != 24*time.Hour {
		t.Errorf("Server.ChangeLogRetention = %v, want 24h", cfg.Server.ChangeLogRetention)
	}
}

// Test: A negative keepalive from the environment is rejected at load time
func TestLoad_NegativeKeepaliveRejected(t *testing.T) {
	for _, env := range []string{"TODOMIRROR_PING_INTERVAL", "TODOMIRROR_PONG_TIMEOUT"} {
		t.Run(env, func(t *testing.T) {
			clearEnv(t)
			os.Setenv(env, "-5s")

			if _, err := Load(); err == nil {
				t.Errorf("Load() accepted %s=-5s", env)
			}
		})
	}
}
