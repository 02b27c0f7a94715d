// Package gateway orchestrates one fanout gateway instance.
//
// # Overview
//
// The gateway package is the composition root. It wires the store, the
// shared log adapter, the membership source, the connection registry, and
// the fanout coordinator from configuration, and owns the HTTP server.
//
// # Endpoints
//
//   - GET /ws - websocket upgrade for the client frame protocol
//   - GET /api/history - paginated channel history, newest first
//   - GET /health - liveness check
//   - GET /health/ready - readiness check (store reachable)
//   - GET /metrics - Prometheus metrics, when enabled
//
// # Client protocol
//
// Clients exchange JSON frames over the websocket. Inbound: send, subscribe,
// unsubscribe. Outbound: ack, message, error. Every accepted send is acked
// with its assigned message id; rejections and pipeline failures come back
// as error frames with a stable code.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run starts the HTTP server and the log consumer, and performs graceful
// shutdown when the context is canceled. Uncommitted log entries are
// re-delivered on the next start.
package gateway
