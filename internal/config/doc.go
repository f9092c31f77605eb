// Package config handles configuration loading for coven-dm.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, duration parsing, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from --config flag
//  2. Path from COVEN_DM_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/dm.yaml or ~/.config/coven/dm.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_DM_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"   # health + reflection
//	  http_addr: "0.0.0.0:8080"    # REST API and /ws
//
//	database:
//	  backend: "sqlite"            # sqlite, badger, memory
//	  driver: "sqlite"             # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/coven/dm.db"
//
//	auth:
//	  jwt_secret: "${COVEN_DM_JWT_SECRET}"  # at least 32 bytes
//	  token_ttl: "720h"
//
//	delivery:
//	  push_timeout: "5s"
//	  max_body_length: 4096
//
//	sessions:
//	  send_queue: 64
//	  submit_rate: 10
//	  submit_burst: 20
//	  write_timeout: "10s"
//	  ping_interval: "30s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
