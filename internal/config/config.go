package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSnapshotSize bounds the initial snapshot query. Records beyond the
// bound stay invisible until the live set shrinks below it.
const DefaultSnapshotSize = 1000

// Confirmation strategies.
const (
	StrategyFireAndForget = "fire-and-forget"
	StrategyRetry         = "retry"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Auth    AuthConfig    `yaml:"auth"`
	Feed    FeedConfig    `yaml:"feed"`
	Gateway GatewayConfig `yaml:"gateway"`
	Server  ServerConfig  `yaml:"server"`
	Archive ArchiveConfig `yaml:"archive"`
	Log     LogConfig     `yaml:"log"`
}

// BackendConfig locates the todo backend the client mirrors.
type BackendConfig struct {
	URL            string   `yaml:"url"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// AuthConfig contains identity and credential settings.
type AuthConfig struct {
	User      string   `yaml:"user"`
	Token     string   `yaml:"-"` // env-only, never in YAML
	JWTSecret string   `yaml:"-"` // env-only, never in YAML
	TokenTTL  Duration `yaml:"token_ttl"`
}

// FeedConfig contains snapshot and change stream settings.
type FeedConfig struct {
	SnapshotSize int      `yaml:"snapshot_size"`
	PingInterval Duration `yaml:"ping_interval"`
	PongTimeout  Duration `yaml:"pong_timeout"`
}

// GatewayConfig selects how optimistic mutations are confirmed.
type GatewayConfig struct {
	Strategy         string   `yaml:"strategy"`
	RetryMaxAttempts int      `yaml:"retry_max_attempts"`
	RetryBaseDelay   Duration `yaml:"retry_base_delay"`
}

// ServerConfig contains settings of the reference backend.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	DatabasePath    string   `yaml:"database_path"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// Change log compaction. A zero interval disables it.
	CompactionInterval Duration `yaml:"compaction_interval"`
	ChangeLogRetention Duration `yaml:"change_log_retention"`
	AuditDir           string   `yaml:"audit_dir"`
}

// ArchiveConfig locates the S3-compatible bucket that receives compacted
// change log audit files. An empty bucket keeps audit files local only.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence:
// defaults → YAML file → .env file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("TODOMIRROR_CONFIG_PATH", "config/todomirror.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	loadDotEnv(getEnv("TODOMIRROR_ENV_FILE", ".env"))
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:            "http://localhost:8080",
			RequestTimeout: Duration(30 * time.Second),
		},
		Auth: AuthConfig{
			TokenTTL: Duration(24 * time.Hour),
		},
		Feed: FeedConfig{
			SnapshotSize: DefaultSnapshotSize,
			PingInterval: Duration(30 * time.Second),
			PongTimeout:  Duration(60 * time.Second),
		},
		Gateway: GatewayConfig{
			Strategy:         StrategyFireAndForget,
			RetryMaxAttempts: 5,
			RetryBaseDelay:   Duration(200 * time.Millisecond),
		},
		Server: ServerConfig{
			Port:            8080,
			DatabasePath:    "data/todomirror.db",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),

			CompactionInterval: Duration(time.Hour),
			ChangeLogRetention: Duration(7 * 24 * time.Hour),
			AuditDir:           "data/audit",
		},
		Archive: ArchiveConfig{
			Prefix: "changelog/",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadDotEnv populates the process environment from a .env file.
// Variables already set in the environment win. A missing file is fine.
func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("ignoring unreadable env file", "path", path, "error", err)
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Backend
	if v := os.Getenv("TODOMIRROR_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("TODOMIRROR_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Backend.RequestTimeout = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("TODOMIRROR_USER"); v != "" {
		cfg.Auth.User = v
	}
	if v := os.Getenv("TODOMIRROR_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("TODOMIRROR_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("TODOMIRROR_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.TokenTTL = Duration(d)
		}
	}

	// Feed
	if v := os.Getenv("TODOMIRROR_SNAPSHOT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Feed.SnapshotSize = n
		}
	}
	if v := os.Getenv("TODOMIRROR_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.PingInterval = Duration(d)
		}
	}

	if v := os.Getenv("TODOMIRROR_PONG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Feed.PongTimeout = Duration(d)
		}
	}

	// Gateway
	if v := os.Getenv("TODOMIRROR_CONFIRM_STRATEGY"); v != "" {
		cfg.Gateway.Strategy = v
	}
	if v := os.Getenv("TODOMIRROR_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.RetryMaxAttempts = n
		}
	}
	if v := os.Getenv("TODOMIRROR_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.RetryBaseDelay = Duration(d)
		}
	}

	// Server
	if v := os.Getenv("TODOMIRROR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TODOMIRROR_DB_PATH"); v != "" {
		cfg.Server.DatabasePath = v
	}
	if v := os.Getenv("TODOMIRROR_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	if v := os.Getenv("TODOMIRROR_COMPACTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.CompactionInterval = Duration(d)
		}
	}
	if v := os.Getenv("TODOMIRROR_CHANGELOG_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ChangeLogRetention = Duration(d)
		}
	}
	if v := os.Getenv("TODOMIRROR_AUDIT_DIR"); v != "" {
		cfg.Server.AuditDir = v
	}

	// Archive
	if v := os.Getenv("TODOMIRROR_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("TODOMIRROR_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("TODOMIRROR_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("TODOMIRROR_ARCHIVE_PREFIX"); v != "" {
		cfg.Archive.Prefix = v
	}
	if v := os.Getenv("TODOMIRROR_ARCHIVE_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Archive.UseSSL = &b
		}
	}
	if v := os.Getenv("TODOMIRROR_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("TODOMIRROR_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}

	// Log
	if v := os.Getenv("TODOMIRROR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TODOMIRROR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that configuration values are usable.
// Credentials are not required here: commands that need them check for
// themselves, so the client can run anonymously against an open backend.
func (c *Config) validate() error {
	if strings.TrimSpace(c.Backend.URL) == "" {
		return errors.New("backend url is required")
	}
	if c.Feed.SnapshotSize <= 0 {
		return fmt.Errorf("feed snapshot_size must be positive, got %d", c.Feed.SnapshotSize)
	}
	if c.Feed.PingInterval <= 0 {
		return fmt.Errorf("feed ping_interval must be positive, got %s", time.Duration(c.Feed.PingInterval))
	}
	if c.Feed.PongTimeout <= 0 {
		return fmt.Errorf("feed pong_timeout must be positive, got %s", time.Duration(c.Feed.PongTimeout))
	}
	switch c.Gateway.Strategy {
	case StrategyFireAndForget, StrategyRetry:
	default:
		return fmt.Errorf("unknown confirmation strategy %q", c.Gateway.Strategy)
	}
	if c.Gateway.Strategy == StrategyRetry && c.Gateway.RetryMaxAttempts < 1 {
		return errors.New("gateway retry_max_attempts must be at least 1")
	}
	if c.Server.CompactionInterval < 0 {
		return errors.New("server compaction_interval must not be negative")
	}
	if c.Server.CompactionInterval > 0 && c.Server.ChangeLogRetention <= 0 {
		return errors.New("server change_log_retention must be positive when compaction is enabled")
	}
	if c.Archive.Bucket != "" && c.Archive.Endpoint == "" {
		return errors.New("archive endpoint is required when a bucket is set")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
