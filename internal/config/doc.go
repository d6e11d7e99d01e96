// Package config handles configuration loading for toolhost.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; a missing file is
// not an error when loaded through LoadOrDefault.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${TOOLHOST_DB_PATH}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	mcp:
//	  request_timeout: "30s"
//	  shutdown_timeout: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Database settings:
//
//	database:
//	  path: "toolhost.db"
//
// Client settings applied to every spawned MCP server:
//
//	mcp:
//	  request_timeout: "30s"
//	  shutdown_timeout: "5s"
//	  protocol_version: ""   # empty means the client default
//	  client_name: ""
//	  client_version: ""
//
// Quota settings:
//
//	ratelimit:
//	  limit: 100
//	  window: "1h"
//
// Logging settings:
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
package config
