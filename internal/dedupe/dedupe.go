// ABOUTME: Sliding-window DeliveryRecord cache keyed by (connection, message id)
// ABOUTME: Suppresses double delivery when a gateway re-consumes its own message from the log

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// keySep joins the connection and message parts of a record key. NUL cannot
// appear in either id.
const keySep = "\x00"

// Key composes the DeliveryRecord key for a (connection, message) pair.
func Key(connID, messageID string) string {
	return connID + keySep + messageID
}

// recordEntry stores the timestamp and list element for a cached key.
type recordEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Window is a thread-safe, TTL-based, size-bounded record of recently
// delivered (connection, message) pairs. A gateway both produces to the shared
// log and consumes its own messages back, so optimistic local delivery marks
// each recipient here and the consumption path skips pairs already recorded.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Window struct {
	mu      sync.RWMutex
	seen    map[string]*recordEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewWindow creates a delivery window with the given TTL and maximum size.
// A background goroutine periodically removes expired records.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		seen:    make(map[string]*recordEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go w.sweep()
	return w
}

// Check returns true if the pair has been recorded and is not expired.
func (w *Window) Check(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entry, ok := w.seen[key]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < w.ttl
}

// CheckAndMark atomically checks whether the pair was already delivered and
// records it if not. Returns true when the pair was already seen (skip the
// delivery), false when it is new and now marked. Single-lock so concurrent
// optimistic delivery and log consumption cannot both win.
func (w *Window) CheckAndMark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.seen[key]
	if ok && time.Since(entry.timestamp) < w.ttl {
		return true
	}
	w.markLocked(key)
	return false
}

// Mark records a delivered pair. If the window is at capacity, the oldest
// record is evicted to make room.
func (w *Window) Mark(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markLocked(key)
}

// markLocked is the internal mark implementation. Must be called with mu held.
func (w *Window) markLocked(key string) {
	now := time.Now()

	if entry, exists := w.seen[key]; exists {
		entry.timestamp = now
		w.order.MoveToBack(entry.element)
		return
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}

	elem := w.order.PushBack(key)
	w.seen[key] = &recordEntry{timestamp: now, element: elem}
}

// evictOldest removes the oldest record. Must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, key)
}

// DropConnection removes every record for a connection. Called when the
// registry removes a connection so the window does not pin dead state until
// the TTL expires.
func (w *Window) DropConnection(connID string) {
	prefix := connID + keySep

	w.mu.Lock()
	defer w.mu.Unlock()

	for key, entry := range w.seen {
		if strings.HasPrefix(key, prefix) {
			w.order.Remove(entry.element)
			delete(w.seen, key)
		}
	}
}

// Len returns the number of live records.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.seen)
}

// sweep runs in a background goroutine, periodically removing expired records.
func (w *Window) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runSweep()
		case <-w.done:
			return
		}
	}
}

// runSweep removes all expired records.
func (w *Window) runSweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for key, entry := range w.seen {
		if now.Sub(entry.timestamp) > w.ttl {
			w.order.Remove(entry.element)
			delete(w.seen, key)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
