// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "chat.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

chat:
  heartbeat_interval: "15s"
  question_timeout: "2m"
  resume_ceiling: "45m"
  workspace_base: "/srv/workspaces"
  allowed_origins:
    - "localhost:*"

runtime:
  command: "claude"
  args: ["--verbose"]
  permission_mode: "default"
  default_model: "sonnet"
  shutdown_timeout: "3s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/internal/metrics"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	assert.Equal(t, 15*time.Second, cfg.Chat.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.Chat.QuestionTimeout)
	assert.Equal(t, 45*time.Minute, cfg.Chat.ResumeCeiling)
	assert.Equal(t, DefaultSendTimeout, cfg.Chat.SendTimeout)
	assert.Equal(t, "/srv/workspaces", cfg.Chat.WorkspaceBase)
	assert.Equal(t, []string{"localhost:*"}, cfg.Chat.AllowedOrigins)

	assert.Equal(t, "claude", cfg.Runtime.Command)
	assert.Equal(t, []string{"--verbose"}, cfg.Runtime.Args)
	assert.Equal(t, "sonnet", cfg.Runtime.DefaultModel)
	assert.Equal(t, 3*time.Second, cfg.Runtime.ShutdownTimeout)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/internal/metrics", cfg.Metrics.Path)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "chat.yaml", `
server:
  http_addr: "127.0.0.1:9000"
database:
  path: "/var/lib/coven/chat.db"
runtime:
  command: "claude"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHeartbeatInterval, cfg.Chat.HeartbeatInterval)
	assert.Equal(t, DefaultQuestionTimeout, cfg.Chat.QuestionTimeout)
	assert.Equal(t, DefaultResumeCeiling, cfg.Chat.ResumeCeiling)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Runtime.ShutdownTimeout)
	assert.Equal(t, "/var/lib/coven/workspaces", cfg.Chat.WorkspaceBase)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "chat.toml", `
[server]
http_addr = "0.0.0.0:8080"

[database]
driver = "sqlite3"
path = "./chat.db"

[chat]
heartbeat_interval = "10s"

[runtime]
command = "fake-runtime"
args = ["--delay", "5ms"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 10*time.Second, cfg.Chat.HeartbeatInterval)
	assert.Equal(t, "fake-runtime", cfg.Runtime.Command)
	assert.Equal(t, []string{"--delay", "5ms"}, cfg.Runtime.Args)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CHAT_SECRET", "secret-from-env")
	t.Setenv("TEST_TS_KEY", "tskey-from-env")

	path := writeConfig(t, "chat.yaml", `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_CHAT_SECRET}"
tailscale:
  enabled: false
  auth_key: "${TEST_TS_KEY}"
runtime:
  command: "claude"
  args: ["${TEST_UNSET_VAR}"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "tskey-from-env", cfg.Tailscale.AuthKey)
	assert.Equal(t, []string{""}, cfg.Runtime.Args)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "chat.yaml", `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./test.db"
chat:
  question_timeout: "soon"
runtime:
  command: "claude"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.question_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "reading config file"))
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Database: DatabaseConfig{Driver: "sqlite", Path: "x.db"},
			Runtime:  RuntimeConfig{Command: "claude"},
			Chat:     ChatConfig{HeartbeatInterval: time.Second, QuestionTimeout: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "chat"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"missing runtime command", func(c *Config) { c.Runtime.Command = "" }, "runtime.command"},
		{"zero question timeout", func(c *Config) { c.Chat.QuestionTimeout = 0 }, "chat.question_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
