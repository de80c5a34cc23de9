// Package config handles configuration loading for the broker daemon.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. Every field has a default, so the broker runs without a
// config file at all.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  listen_addr: "${HIVE_LISTEN_ADDR}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_sweep: "30s"
//	  heartbeat_timeout: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  listen_addr: "127.0.0.1:0"  # :0 picks an ephemeral port
//
// Agent timing:
//
//	agents:
//	  heartbeat_sweep: "30s"
//	  heartbeat_timeout: "60s"
//
// Discovery sidecar:
//
//	discovery:
//	  enabled: true
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg := config.Default()
//
//	cfg, err := config.Load("/etc/hive/broker.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
