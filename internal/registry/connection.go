// ABOUTME: Represents a single client connection with its outbound write pump
// ABOUTME: Bounded send queue and write timeout protect fanout from slow consumers

package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WriteFunc delivers one encoded frame to the underlying transport. The
// gateway wraps the websocket write; tests substitute a capture function.
type WriteFunc func(ctx context.Context, payload []byte) error

// CloseFunc tears down the underlying transport.
type CloseFunc func(reason string)

// Connection is one live client connection on this gateway instance. The
// write pump is the only goroutine touching the transport's write side, so
// Enqueue is safe from any goroutine.
type Connection struct {
	ID       string
	ClientID string

	send         chan []byte
	write        WriteFunc
	closeFn      CloseFunc
	writeTimeout time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger

	// onDead is invoked once when the pump gives up on the connection
	// (write error or timeout). Set by the registry to self-remove.
	onDead func(connID string, reason string)

	mu        sync.RWMutex
	channels  map[string]struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Enqueue queues a frame for the write pump. Returns false when the queue is
// full, which the registry treats as a slow consumer and drops the
// connection rather than blocking fanout to other clients.
func (c *Connection) Enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Allow reports whether the connection is within its inbound send rate.
func (c *Connection) Allow() bool {
	return c.limiter.Allow()
}

// Subscribed reports whether the connection is subscribed to the channel.
func (c *Connection) Subscribed(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channelID]
	return ok
}

// Channels returns the connection's subscribed channel ids.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) addChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channelID] = struct{}{}
}

func (c *Connection) removeChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

// Done is closed when the connection is fully shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// close shuts the connection down exactly once.
func (c *Connection) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closeFn != nil {
			c.closeFn(reason)
		}
		c.logger.Debug("connection closed", "reason", reason)
	})
}

// writePump drains the send queue to the transport. A failed or timed-out
// write marks the connection dead; fanout to other connections is never
// stalled by one recipient.
func (c *Connection) writePump() {
	for {
		select {
		case payload := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			err := c.write(ctx, payload)
			cancel()
			if err != nil {
				c.logger.Warn("write failed, dropping connection",
					"client_id", c.ClientID,
					"error", err)
				if c.onDead != nil {
					c.onDead(c.ID, "write failed")
				}
				return
			}
		case <-c.done:
			return
		}
	}
}
