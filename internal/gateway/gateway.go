// ABOUTME: Gateway orchestrator wiring store, log, membership, registry, and fanout
// ABOUTME: Manages the HTTP server, websocket endpoint, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/fanout-gateway/internal/auth"
	"github.com/2389/fanout-gateway/internal/config"
	"github.com/2389/fanout-gateway/internal/dedupe"
	"github.com/2389/fanout-gateway/internal/fanout"
	"github.com/2389/fanout-gateway/internal/membership"
	"github.com/2389/fanout-gateway/internal/registry"
	"github.com/2389/fanout-gateway/internal/store"
	"github.com/2389/fanout-gateway/internal/streamlog"
)

// Gateway is one instance of the fanout gateway pool. It owns the HTTP
// server for websocket and API traffic and the fanout coordinator consuming
// the shared log.
type Gateway struct {
	config      *config.Config
	logger      *slog.Logger
	store       store.Store
	log         streamlog.Log
	members     membership.Service
	window      *dedupe.Window
	registry    *registry.Registry
	coordinator *fanout.Coordinator
	verifier    auth.TokenVerifier
	httpServer  *http.Server

	// instanceID identifies this gateway in the pool; it is also the log
	// subscription name, so it must be stable across restarts when offsets
	// should survive.
	instanceID string
}

// initStore creates the store from config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initLog creates the shared log adapter from config.
func initLog(cfg *config.Config, logger *slog.Logger) (streamlog.Log, error) {
	switch cfg.Log.Driver {
	case "pulsar":
		return streamlog.NewPulsarLog(streamlog.PulsarConfig{
			URL:        cfg.Log.URL,
			Topic:      cfg.Log.Topic,
			Partitions: cfg.Log.Partitions,
		}, logger)
	case "memory":
		logger.Warn("using in-process log, cross-instance fanout disabled")
		return streamlog.NewMemoryLog(cfg.Log.Partitions), nil
	default:
		return nil, fmt.Errorf("unknown log driver %q", cfg.Log.Driver)
	}
}

// initMembership creates the membership source from config, wrapped in the
// TTL cache.
func initMembership(cfg *config.Config, logger *slog.Logger) (membership.Service, error) {
	var src membership.Service
	switch cfg.Membership.Driver {
	case "redis":
		src = membership.NewRedis(cfg.Membership.Addr, cfg.Membership.DB)
	case "static":
		logger.Warn("using static membership from config, intended for development")
		src = membership.NewStatic(cfg.Membership.Channels)
	default:
		return nil, fmt.Errorf("unknown membership driver %q", cfg.Membership.Driver)
	}
	return membership.NewCached(src, cfg.Membership.CacheTTL), nil
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = "gateway-" + uuid.NewString()[:8]
		logger.Warn("no instance_id configured, generated one; log offsets will not survive a restart",
			"instance_id", instanceID)
	}
	logger = logger.With("instance_id", instanceID)

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	lg, err := initLog(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	members, err := initMembership(cfg, logger)
	if err != nil {
		s.Close()
		lg.Close()
		return nil, err
	}

	window := dedupe.NewWindow(cfg.Fanout.DedupeTTL, cfg.Fanout.DedupeMaxEntries)
	reg := registry.New(window, registry.Options{
		SendQueueSize:   cfg.Fanout.SendQueueSize,
		WriteTimeout:    cfg.Fanout.WriteTimeout,
		RateLimitPerSec: float64(cfg.Fanout.RateLimitPerSec),
		RateLimitBurst:  cfg.Fanout.RateLimitBurst,
	}, logger)

	coordinator := fanout.New(fanout.Config{
		InstanceID:      instanceID,
		MaxBodyBytes:    cfg.Fanout.MaxBodyBytes,
		MaxAttempts:     cfg.Fanout.MaxAttempts,
		OptimisticLocal: cfg.Fanout.OptimisticLocalEnabled(),
		RetryMaxWait:    cfg.Fanout.RetryMaxWait,
	}, s, lg, members, reg, logger)

	gw := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		store:       s,
		log:         lg,
		members:     members,
		window:      window,
		registry:    reg,
		coordinator: coordinator,
		instanceID:  instanceID,
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("auth disabled, no jwt_secret configured; client identity is taken from the handshake unverified")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.handleWebSocket)
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/api/history", gw.handleHistory)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// InstanceID returns the id this gateway uses in the pool.
func (g *Gateway) InstanceID() string {
	return g.instanceID
}

// Run starts the HTTP server and the log consumer and blocks until the
// context is canceled or a component fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	errCh := make(chan error, 2)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	go func() {
		if err := g.coordinator.Run(consumerCtx); err != nil {
			errCh <- fmt.Errorf("log consumer: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopConsumer()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, drops client connections, and releases
// resources. Consumed-but-uncommitted log entries are re-delivered on the
// next start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.registry.Close()
	g.window.Close()

	errs = appendCloseError(errs, "log close", g.log.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if closer, ok := g.members.(interface{ Close() error }); ok {
		errs = appendCloseError(errs, "membership close", closer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady probes the store and reports whether this instance can accept
// traffic. The log is exercised on every send; a broken broker surfaces
// through delivery_failed errors and the publish retry metrics instead.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	_, err := g.store.GetMessage(ctx, "readiness-probe")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "store unavailable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.registry.Len())
}
