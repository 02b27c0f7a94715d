// ABOUTME: Bounded-staleness cache decorator for the membership service
// ABOUTME: Per-channel member sets cached with a TTL and explicit invalidation

package membership

import (
	"context"
	"sync"
	"time"
)

// cachedChannel is one channel's member set plus its fetch time.
type cachedChannel struct {
	members   map[string]struct{}
	fetchedAt time.Time
	unknown   bool
}

// Cached wraps a Service with a TTL cache so the hot path does not hit the
// external membership system for every message. Staleness is bounded by the
// TTL; Invalidate forces a refetch when the caller learns of a change.
type Cached struct {
	inner Service
	ttl   time.Duration

	mu       sync.RWMutex
	channels map[string]*cachedChannel
}

// NewCached wraps inner with a cache of the given TTL.
func NewCached(inner Service, ttl time.Duration) *Cached {
	return &Cached{
		inner:    inner,
		ttl:      ttl,
		channels: make(map[string]*cachedChannel),
	}
}

// get returns the cached channel entry, fetching from the inner service on
// miss or expiry. Unknown channels are cached too, so a flood of messages to
// a bogus channel does not hammer the collaborator.
func (c *Cached) get(ctx context.Context, channelID string) (*cachedChannel, error) {
	c.mu.RLock()
	stale, ok := c.channels[channelID]
	c.mu.RUnlock()

	if ok && time.Since(stale.fetchedAt) < c.ttl {
		return stale, nil
	}

	members, err := c.inner.Members(ctx, channelID)
	entry := &cachedChannel{fetchedAt: time.Now()}
	switch err {
	case nil:
		entry.members = make(map[string]struct{}, len(members))
		for _, m := range members {
			entry.members[m] = struct{}{}
		}
	case ErrUnknownChannel:
		entry.unknown = true
	default:
		// Transient failure: serve the stale entry if one exists rather
		// than failing the message.
		if ok {
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.channels[channelID] = entry
	c.mu.Unlock()
	return entry, nil
}

func (c *Cached) IsMember(ctx context.Context, identity, channelID string) (bool, error) {
	entry, err := c.get(ctx, channelID)
	if err != nil {
		return false, err
	}
	if entry.unknown {
		return false, ErrUnknownChannel
	}
	_, member := entry.members[identity]
	return member, nil
}

func (c *Cached) Members(ctx context.Context, channelID string) ([]string, error) {
	entry, err := c.get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if entry.unknown {
		return nil, ErrUnknownChannel
	}
	members := make([]string, 0, len(entry.members))
	for m := range entry.members {
		members = append(members, m)
	}
	return members, nil
}

// Invalidate drops the cached entry for a channel.
func (c *Cached) Invalidate(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}

// Close releases the inner service's resources, if it holds any.
func (c *Cached) Close() error {
	if closer, ok := c.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
