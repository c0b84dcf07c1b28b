// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// The binary looks for its config in this order:
//
//  1. Path from the COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"          # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/coven/chat.db"
//
//	chat:
//	  heartbeat_interval: "30s"
//	  question_timeout: "300s"
//	  resume_ceiling: "30m"
//	  send_timeout: "10s"
//	  workspace_base: "/var/lib/coven/workspaces"
//	  allowed_origins: ["localhost:*"]
//
//	runtime:
//	  command: "claude"
//	  args: []
//	  permission_mode: "default"
//	  default_model: ""
//	  shutdown_timeout: "5s"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-chat"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax. Unset durations fall back to the
// Default* constants.
package config
