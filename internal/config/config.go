// ABOUTME: Configuration loading and parsing for agentchat
// ABOUTME: Supports YAML files with .env loading, environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty
const (
	DefaultFreeMessagesPerAgent = 3
	DefaultPollInterval         = 1500 * time.Millisecond
	DefaultPollTimeout          = 120 * time.Second
	DefaultHistoryPageSize      = 50
	DefaultDedupeTTL            = 5 * time.Minute
	DefaultTokenTTL             = 7 * 24 * time.Hour
	DefaultSendRate             = 1.0
	DefaultSendBurst            = 5
	DefaultGuestMessageLimit    = 3
	DefaultMaintenanceSchedule  = "*/15 * * * *"
	DefaultArchiveAfter         = 720 * time.Hour
	DefaultPaymentExpiry        = 24 * time.Hour
)

// Config represents the complete agentchat configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Credits     CreditsConfig     `yaml:"credits"`
	Assistant   AssistantConfig   `yaml:"assistant"`
	Relay       RelayConfig       `yaml:"relay"`
	Payments    PaymentsConfig    `yaml:"payments"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // gRPC health service; empty disables it

	// AllowedOrigins are host patterns accepted for cross-origin socket upgrades
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (modernc, default) or "sqlite3" (mattn, cgo)
	Path   string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	AllowGuests bool          `yaml:"allow_guests"`
	TokenTTL    time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// CreditsConfig holds the free tier allowance
type CreditsConfig struct {
	FreeMessagesPerAgent int `yaml:"free_messages_per_agent"`
}

// AssistantConfig selects and configures the external assistant backend
type AssistantConfig struct {
	Provider     string        `yaml:"provider"` // "openai" (Assistants API) or "completion" (langchaingo)
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`        // used by the completion provider
	Instructions string        `yaml:"instructions"` // system prompt for the completion provider
	Stream       bool          `yaml:"stream"`
	PollInterval time.Duration `yaml:"-"`
	PollTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
	PollTimeoutRaw  string `yaml:"poll_timeout"`
}

// RelayConfig holds realtime relay tuning
type RelayConfig struct {
	HistoryPageSize   int           `yaml:"history_page_size"`
	SendRate          float64       `yaml:"send_rate"` // sends per second per connection
	SendBurst         int           `yaml:"send_burst"`
	GuestMessageLimit int           `yaml:"guest_message_limit"`
	DedupeTTL         time.Duration `yaml:"-"`

	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// PaymentsConfig holds the payment gateway secret used to verify signatures
type PaymentsConfig struct {
	KeySecret string `yaml:"key_secret"`
}

// MaintenanceConfig holds the scheduled sweep configuration
type MaintenanceConfig struct {
	Schedule      string        `yaml:"schedule"` // cron expression; "off" disables the sweep
	ArchiveAfter  time.Duration `yaml:"-"`
	PaymentExpiry time.Duration `yaml:"-"`

	ArchiveAfterRaw  string `yaml:"archive_after"`
	PaymentExpiryRaw string `yaml:"payment_expiry"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config and one in the working directory are loaded first
// without overriding variables that are already set.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses raw YAML configuration, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads each existing file once. Missing files are skipped.
func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if err := godotenv.Load(abs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Credits.FreeMessagesPerAgent == 0 {
		c.Credits.FreeMessagesPerAgent = DefaultFreeMessagesPerAgent
	}
	if c.Assistant.Provider == "" {
		c.Assistant.Provider = "openai"
	}
	if c.Assistant.PollInterval == 0 {
		c.Assistant.PollInterval = DefaultPollInterval
	}
	if c.Assistant.PollTimeout == 0 {
		c.Assistant.PollTimeout = DefaultPollTimeout
	}
	if c.Relay.HistoryPageSize == 0 {
		c.Relay.HistoryPageSize = DefaultHistoryPageSize
	}
	if c.Relay.DedupeTTL == 0 {
		c.Relay.DedupeTTL = DefaultDedupeTTL
	}
	if c.Relay.SendRate == 0 {
		c.Relay.SendRate = DefaultSendRate
	}
	if c.Relay.SendBurst == 0 {
		c.Relay.SendBurst = DefaultSendBurst
	}
	if c.Relay.GuestMessageLimit == 0 {
		c.Relay.GuestMessageLimit = DefaultGuestMessageLimit
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = DefaultMaintenanceSchedule
	}
	if c.Maintenance.ArchiveAfter == 0 {
		c.Maintenance.ArchiveAfter = DefaultArchiveAfter
	}
	if c.Maintenance.PaymentExpiry == 0 {
		c.Maintenance.PaymentExpiry = DefaultPaymentExpiry
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Credits.FreeMessagesPerAgent < 0 {
		return fmt.Errorf("credits.free_messages_per_agent must not be negative")
	}

	switch c.Assistant.Provider {
	case "openai", "completion":
	default:
		return fmt.Errorf("assistant.provider must be openai or completion, got %q", c.Assistant.Provider)
	}
	if c.Assistant.PollInterval <= 0 || c.Assistant.PollTimeout <= 0 {
		return fmt.Errorf("assistant.poll_interval and assistant.poll_timeout must be positive")
	}
	if c.Assistant.PollInterval > c.Assistant.PollTimeout {
		return fmt.Errorf("assistant.poll_interval must not exceed assistant.poll_timeout")
	}

	if c.Relay.HistoryPageSize < 0 || c.Relay.SendBurst < 0 || c.Relay.SendRate < 0 {
		return fmt.Errorf("relay limits must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"assistant.poll_interval", cfg.Assistant.PollIntervalRaw, &cfg.Assistant.PollInterval},
		{"assistant.poll_timeout", cfg.Assistant.PollTimeoutRaw, &cfg.Assistant.PollTimeout},
		{"relay.dedupe_ttl", cfg.Relay.DedupeTTLRaw, &cfg.Relay.DedupeTTL},
		{"maintenance.archive_after", cfg.Maintenance.ArchiveAfterRaw, &cfg.Maintenance.ArchiveAfter},
		{"maintenance.payment_expiry", cfg.Maintenance.PaymentExpiryRaw, &cfg.Maintenance.PaymentExpiry},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// DefaultPath returns the config file location.
// Priority: AGENTCHAT_CONFIG env var > XDG_CONFIG_HOME/agentchat/config.yaml > ~/.config/agentchat/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("AGENTCHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentchat", "config.yaml")
}
