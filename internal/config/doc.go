// Package config handles configuration loading for swapchat.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the name ends
// in .toml, with environment variable expansion. Missing values take the
// defaults from Default.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with -config
//  2. Path from SWAPCHAT_CONFIG environment variable
//  3. ~/.config/swapchat/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${SWAPCHAT_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	transport:
//	  base_delay: "1s"
//	  max_delay: "30s"
//	  ping_interval: "25s"
//	  pong_timeout: "10s"
//
// # Configuration Sections
//
// Server endpoint:
//
//	server:
//	  url: "ws://localhost:8090/ws"
//	  listen_addr: "127.0.0.1:8090"   # fake-relay only
//
// Snapshot storage (memory, sqlite, pebble, redis, postgres):
//
//	storage:
//	  driver: "sqlite"
//	  path: "~/.local/share/swapchat/chat.db"
//
// Inbound dedupe window:
//
//	dedupe:
//	  ttl: "10m"
//	  max_size: 10000
//
// Logging and metrics:
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
//	metrics:
//	  enabled: true
//	  addr: "127.0.0.1:9090"
//	  path: "/metrics"
package config
