// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default timing values applied when the config file leaves them unset.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultQuestionTimeout   = 300 * time.Second
	DefaultResumeCeiling     = 30 * time.Minute
	DefaultSendTimeout       = 10 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime"`
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
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly (implies HTTPS)
}

// DatabaseConfig holds database configuration.
// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret disables token checks on the chat endpoint.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ChatConfig holds the chat orchestrator's timing and workspace settings
type ChatConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	QuestionTimeout   time.Duration `yaml:"-" toml:"-"`
	ResumeCeiling     time.Duration `yaml:"-" toml:"-"`
	SendTimeout       time.Duration `yaml:"-" toml:"-"`

	WorkspaceBase  string   `yaml:"workspace_base" toml:"workspace_base"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	QuestionTimeoutRaw   string `yaml:"question_timeout" toml:"question_timeout"`
	ResumeCeilingRaw     string `yaml:"resume_ceiling" toml:"resume_ceiling"`
	SendTimeoutRaw       string `yaml:"send_timeout" toml:"send_timeout"`
}

// RuntimeConfig describes how to launch the upstream agent runtime process
type RuntimeConfig struct {
	Command        string   `yaml:"command" toml:"command"`
	Args           []string `yaml:"args" toml:"args"`
	PermissionMode string   `yaml:"permission_mode" toml:"permission_mode"`
	DefaultModel   string   `yaml:"default_model" toml:"default_model"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
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
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
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

	if c.Runtime.Command == "" {
		return fmt.Errorf("runtime.command is required")
	}

	if c.Chat.HeartbeatInterval <= 0 {
		return fmt.Errorf("chat.heartbeat_interval must be positive")
	}
	if c.Chat.QuestionTimeout <= 0 {
		return fmt.Errorf("chat.question_timeout must be positive")
	}

	return nil
}

// applyDefaults fills zero values with their defaults
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Chat.HeartbeatInterval == 0 {
		c.Chat.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Chat.QuestionTimeout == 0 {
		c.Chat.QuestionTimeout = DefaultQuestionTimeout
	}
	if c.Chat.ResumeCeiling == 0 {
		c.Chat.ResumeCeiling = DefaultResumeCeiling
	}
	if c.Chat.SendTimeout == 0 {
		c.Chat.SendTimeout = DefaultSendTimeout
	}
	if c.Chat.WorkspaceBase == "" {
		c.Chat.WorkspaceBase = filepath.Join(filepath.Dir(c.Database.Path), "workspaces")
	}
	if c.Runtime.ShutdownTimeout == 0 {
		c.Runtime.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"chat.heartbeat_interval", cfg.Chat.HeartbeatIntervalRaw, &cfg.Chat.HeartbeatInterval},
		{"chat.question_timeout", cfg.Chat.QuestionTimeoutRaw, &cfg.Chat.QuestionTimeout},
		{"chat.resume_ceiling", cfg.Chat.ResumeCeilingRaw, &cfg.Chat.ResumeCeiling},
		{"chat.send_timeout", cfg.Chat.SendTimeoutRaw, &cfg.Chat.SendTimeout},
		{"runtime.shutdown_timeout", cfg.Runtime.ShutdownTimeoutRaw, &cfg.Runtime.ShutdownTimeout},
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
