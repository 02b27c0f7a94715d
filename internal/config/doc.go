// Package config handles configuration loading for fanout-gateway.
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
//	  jwt_secret: "${FANOUT_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	fanout:
//	  dedupe_ttl: "5m"
//	  write_timeout: "5s"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # websocket clients, API, health
//	  instance_id: "gw-1"         # unique per instance; generated if unset
//
// Message store:
//
//	database:
//	  path: "/var/lib/fanout/gateway.db"
//
// Shared ordered log:
//
//	log:
//	  driver: "pulsar"            # pulsar or memory
//	  url: "pulsar://broker:6650"
//	  topic: "fanout-messages"
//	  partitions: 16
//
// Channel membership collaborator:
//
//	membership:
//	  driver: "redis"             # redis or static
//	  addr: "redis:6379"
//	  cache_ttl: "30s"
//
// Fanout pipeline:
//
//	fanout:
//	  max_body_bytes: 16384
//	  max_attempts: 5
//	  optimistic_local: true
//	  dedupe_ttl: "5m"
//	  dedupe_max_entries: 100000
//	  send_queue_size: 256
//	  write_timeout: "5s"
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
