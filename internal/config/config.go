// ABOUTME: Configuration loading and parsing for chatline
// ABOUTME: Supports YAML or TOML files with .env loading, environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied by Load when the file leaves a field empty.
const (
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultDatabasePath    = "./chatline.db"
	DefaultMediaDir        = "./uploads"
	DefaultAPIBase         = "https://graph.facebook.com/v19.0"
	DefaultProviderTimeout = 15 * time.Second
	DefaultMaxUploadBytes  = 25 << 20
	DefaultDedupeTTL       = 24 * time.Hour
	DefaultDedupeEntries   = 10000
	DefaultAppSenderID     = "mi-app"
	DefaultSendBuffer      = 64
)

// Config represents the complete chatline configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Media     MediaConfig     `yaml:"media" toml:"media"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	Webhook   WebhookConfig   `yaml:"webhook" toml:"webhook"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	CORS      CORSConfig      `yaml:"cors" toml:"cors"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS, lets the provider fetch media links
}

// DatabaseConfig selects and configures the message store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret disables the principal check.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// MediaConfig holds media relay configuration
type MediaConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
	// PublicBaseURL is the externally reachable origin used to build media links
	// handed to the provider. Falls back to the tailscale Funnel name when empty.
	PublicBaseURL  string `yaml:"public_base_url" toml:"public_base_url"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" toml:"max_upload_bytes"`
}

// ProviderConfig holds WhatsApp Cloud API credentials
type ProviderConfig struct {
	APIBase       string        `yaml:"api_base" toml:"api_base"`
	AccessToken   string        `yaml:"access_token" toml:"access_token"`
	PhoneNumberID string        `yaml:"phone_number_id" toml:"phone_number_id"`
	VerifyToken   string        `yaml:"verify_token" toml:"verify_token"`
	AppSecret     string        `yaml:"app_secret" toml:"app_secret"`
	Timeout       time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// WebhookConfig holds replay-guard configuration for inbound deliveries
type WebhookConfig struct {
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`
	DedupeMaxEntries int           `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`
	// RedisURL shares the replay guard across gateway replicas when set.
	RedisURL string `yaml:"redis_url" toml:"redis_url"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// RealtimeConfig holds websocket session configuration
type RealtimeConfig struct {
	AppSenderID string `yaml:"app_sender_id" toml:"app_sender_id"`
	SendBuffer  int    `yaml:"send_buffer" toml:"send_buffer"`
}

// CORSConfig lists browser origins allowed to call the API
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the config directory (or the working directory) is loaded first,
// then ${VAR_NAME} references are expanded. Files ending in .toml are decoded as TOML,
// everything else as YAML.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads .env files without overriding variables already set.
// Missing files are not an error.
func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	seen := make(map[string]bool)
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		_ = godotenv.Load(abs)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Media.Dir == "" {
		c.Media.Dir = DefaultMediaDir
	}
	if c.Media.MaxUploadBytes <= 0 {
		c.Media.MaxUploadBytes = DefaultMaxUploadBytes
	}
	c.Media.PublicBaseURL = strings.TrimRight(c.Media.PublicBaseURL, "/")
	if c.Provider.APIBase == "" {
		c.Provider.APIBase = DefaultAPIBase
	}
	c.Provider.APIBase = strings.TrimRight(c.Provider.APIBase, "/")
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = DefaultProviderTimeout
	}
	if c.Webhook.DedupeTTL <= 0 {
		c.Webhook.DedupeTTL = DefaultDedupeTTL
	}
	if c.Webhook.DedupeMaxEntries <= 0 {
		c.Webhook.DedupeMaxEntries = DefaultDedupeEntries
	}
	if c.Realtime.AppSenderID == "" {
		c.Realtime.AppSenderID = DefaultAppSenderID
	}
	if c.Realtime.SendBuffer <= 0 {
		c.Realtime.SendBuffer = DefaultSendBuffer
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (use sqlite or postgres)", c.Database.Driver)
	}

	if c.Provider.PhoneNumberID == "" {
		return errors.New("provider.phone_number_id is required")
	}
	if c.Provider.AccessToken == "" {
		return errors.New("provider.access_token is required")
	}
	if c.Provider.VerifyToken == "" {
		return errors.New("provider.verify_token is required")
	}

	if c.Media.PublicBaseURL != "" &&
		!strings.HasPrefix(c.Media.PublicBaseURL, "http://") &&
		!strings.HasPrefix(c.Media.PublicBaseURL, "https://") {
		return fmt.Errorf("media.public_base_url %q must be an http(s) URL", c.Media.PublicBaseURL)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Provider.TimeoutRaw != "" {
		cfg.Provider.Timeout, err = time.ParseDuration(cfg.Provider.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing provider.timeout %q: %w", cfg.Provider.TimeoutRaw, err)
		}
	}

	if cfg.Webhook.DedupeTTLRaw != "" {
		cfg.Webhook.DedupeTTL, err = time.ParseDuration(cfg.Webhook.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing webhook.dedupe_ttl %q: %w", cfg.Webhook.DedupeTTLRaw, err)
		}
	}

	return nil
}
