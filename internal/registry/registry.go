// ABOUTME: Connection registry tracking live client connections and their channel subscriptions
// ABOUTME: Deliver fans a message out to subscribed connections with per-connection dedup

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/fanout-gateway/internal/dedupe"
	"github.com/2389/fanout-gateway/internal/message"
	"github.com/2389/fanout-gateway/internal/metrics"
)

var (
	// ErrDuplicateConnection means the client identity already has a live
	// connection on this instance.
	ErrDuplicateConnection = errors.New("client already connected")

	// ErrUnknownConnection means the connection id is not registered.
	ErrUnknownConnection = errors.New("unknown connection")
)

// Options tunes per-connection behavior. Zero values fall back to defaults
// chosen for development use.
type Options struct {
	SendQueueSize   int
	WriteTimeout    time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.RateLimitPerSec <= 0 {
		o.RateLimitPerSec = 20
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 40
	}
	return o
}

// Registry tracks the connections attached to this gateway instance. It owns
// the delivery dedup window, so at-most-once delivery per connection holds no
// matter which path (optimistic local or log consumption) asks for fanout.
type Registry struct {
	opts   Options
	window *dedupe.Window
	logger *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*Connection
	clients   map[string]string
	byChannel map[string]map[string]*Connection
}

// New creates a registry using the given dedup window for delivery records.
func New(window *dedupe.Window, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:      opts.withDefaults(),
		window:    window,
		logger:    logger.With("component", "registry"),
		conns:     make(map[string]*Connection),
		clients:   make(map[string]string),
		byChannel: make(map[string]map[string]*Connection),
	}
}

// Register creates and registers a connection for the client identity and
// starts its write pump. A client may hold at most one connection per
// instance; a second registration is rejected, the caller closes the new
// socket with a duplicate-connection error.
func (r *Registry) Register(clientID string, write WriteFunc, closeFn CloseFunc) (*Connection, error) {
	connID := uuid.NewString()
	conn := &Connection{
		ID:           connID,
		ClientID:     clientID,
		send:         make(chan []byte, r.opts.SendQueueSize),
		write:        write,
		closeFn:      closeFn,
		writeTimeout: r.opts.WriteTimeout,
		limiter:      rate.NewLimiter(rate.Limit(r.opts.RateLimitPerSec), r.opts.RateLimitBurst),
		logger:       r.logger.With("conn_id", connID, "client_id", clientID),
		channels:     make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	conn.onDead = func(connID, reason string) {
		metrics.SlowConsumerDrops.Inc()
		r.Remove(connID, reason)
	}

	r.mu.Lock()
	if _, taken := r.clients[clientID]; taken {
		r.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	r.conns[conn.ID] = conn
	r.clients[clientID] = conn.ID
	r.mu.Unlock()

	go conn.writePump()

	metrics.ConnectionsActive.Inc()
	r.logger.Info("connection registered", "conn_id", conn.ID, "client_id", clientID)
	return conn, nil
}

// Subscribe adds the connection to a channel's local recipient set.
// Subscribing twice is a no-op.
func (r *Registry) Subscribe(connID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	conn.addChannel(channelID)
	set, ok := r.byChannel[channelID]
	if !ok {
		set = make(map[string]*Connection)
		r.byChannel[channelID] = set
	}
	set[connID] = conn
	return nil
}

// Unsubscribe removes the connection from a channel's recipient set.
func (r *Registry) Unsubscribe(connID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	conn.removeChannel(channelID)
	r.dropFromChannel(connID, channelID)
	return nil
}

// dropFromChannel removes connID from a channel set. Caller holds r.mu.
func (r *Registry) dropFromChannel(connID, channelID string) {
	set, ok := r.byChannel[channelID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byChannel, channelID)
	}
}

// Remove unregisters and closes a connection. Idempotent: removing an already
// removed connection is a no-op. Delivery records for the connection are
// discarded; a later reconnect is a fresh connection with a fresh record set.
func (r *Registry) Remove(connID, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	delete(r.clients, conn.ClientID)
	for _, ch := range conn.Channels() {
		r.dropFromChannel(connID, ch)
	}
	r.mu.Unlock()

	conn.close(reason)
	r.window.DropConnection(connID)
	metrics.ConnectionsActive.Dec()
	r.logger.Info("connection removed", "conn_id", connID, "client_id", conn.ClientID, "reason", reason)
}

// Get returns the connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// ConnIDForClient returns the connection id held by a client identity on
// this instance, if any.
func (r *Registry) ConnIDForClient(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.clients[clientID]
	return id, ok
}

// Connections returns the connections currently subscribed to a channel.
func (r *Registry) Connections(channelID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byChannel[channelID]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Deliver fans msg out to every local connection subscribed to its channel,
// skipping excludeConnID (the sender's connection on the origin instance) and
// any connection that already received this message. Each successful enqueue
// marks a delivery record, so the same message arriving again, from the
// optimistic path and then the log, is suppressed. Returns the number of
// connections the message was enqueued to.
func (r *Registry) Deliver(msg *message.Message, excludeConnID string) int {
	r.mu.RLock()
	set := r.byChannel[msg.ChannelID]
	targets := make([]*Connection, 0, len(set))
	for _, conn := range set {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	payload, err := message.EncodeFrame(message.MessageFrame(msg))
	if err != nil {
		r.logger.Error("encoding message frame", "message_id", msg.ID, "error", err)
		return 0
	}

	delivered := 0
	for _, conn := range targets {
		if conn.ID == excludeConnID {
			continue
		}
		if r.window.CheckAndMark(dedupe.Key(conn.ID, msg.ID)) {
			metrics.DeliveriesSuppressed.Inc()
			continue
		}
		if !conn.Enqueue(payload) {
			r.logger.Warn("send queue full, dropping connection",
				"conn_id", conn.ID,
				"client_id", conn.ClientID)
			metrics.SlowConsumerDrops.Inc()
			go r.Remove(conn.ID, "send queue full")
			continue
		}
		metrics.Deliveries.Inc()
		delivered++
	}
	return delivered
}

// Close removes every connection, used during shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id, "gateway shutting down")
	}
}
