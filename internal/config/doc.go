// Package config handles configuration loading for hearth-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HEARTH_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  grace_period: "10m"
//	  sweep_interval: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket endpoints and health check
//
// Database:
//
//	database:
//	  path: "/var/lib/hearth/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${HEARTH_JWT_SECRET}"   # Required; signs agent tokens
//
// Session lifecycle timing:
//
//	sessions:
//	  grace_period: "10m"    # how long orphaned or abandoned sessions survive
//	  sweep_interval: "1m"   # how often the sweeper scans for expired sessions
//
// Automatic replies:
//
//	bot:
//	  enabled: false
//	  base_url: "https://api.openai.com/v1"
//	  api_key: "${HEARTH_BOT_API_KEY}"
//	  model: "gpt-4o-mini"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/hearth/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
