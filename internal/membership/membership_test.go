// ABOUTME: Tests for the static membership fixture and the TTL cache decorator
// ABOUTME: Covers unknown channels, staleness bounds, invalidation, and stale-on-error

package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_IsMember(t *testing.T) {
	s := NewStatic(map[string][]string{
		"c1": {"alice", "bob"},
	})
	ctx := context.Background()

	member, err := s.IsMember(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, member)

	member, err = s.IsMember(ctx, "carol", "c1")
	require.NoError(t, err)
	assert.False(t, member)

	_, err = s.IsMember(ctx, "alice", "nope")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestStatic_Members(t *testing.T) {
	s := NewStatic(map[string][]string{"c1": {"alice", "bob"}})

	members, err := s.Members(context.Background(), "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	_, err = s.Members(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestStatic_PutRemove(t *testing.T) {
	s := NewStatic(nil)
	ctx := context.Background()

	s.Put("c1", "alice")
	member, err := s.IsMember(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, member)

	s.Remove("c1", "alice")
	member, err = s.IsMember(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, member)
}

// countingService wraps Static and counts Members calls.
type countingService struct {
	inner *Static
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *countingService) IsMember(ctx context.Context, identity, channelID string) (bool, error) {
	return c.inner.IsMember(ctx, identity, channelID)
}

func (c *countingService) Members(ctx context.Context, channelID string) ([]string, error) {
	c.mu.Lock()
	c.calls++
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return nil, errors.New("membership backend down")
	}
	return c.inner.Members(ctx, channelID)
}

func (c *countingService) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCached_ServesFromCacheWithinTTL(t *testing.T) {
	backend := &countingService{inner: NewStatic(map[string][]string{"c1": {"alice"}})}
	cached := NewCached(backend, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		member, err := cached.IsMember(ctx, "alice", "c1")
		require.NoError(t, err)
		assert.True(t, member)
	}

	assert.Equal(t, 1, backend.callCount())
}

func TestCached_RefetchesAfterTTL(t *testing.T) {
	backend := &countingService{inner: NewStatic(map[string][]string{"c1": {"alice"}})}
	cached := NewCached(backend, 10*time.Millisecond)
	ctx := context.Background()

	_, err := cached.IsMember(ctx, "alice", "c1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = cached.IsMember(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.callCount())
}

func TestCached_Invalidate(t *testing.T) {
	backend := &countingService{inner: NewStatic(map[string][]string{"c1": {"alice"}})}
	cached := NewCached(backend, time.Minute)
	ctx := context.Background()

	member, err := cached.IsMember(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.False(t, member)

	// Membership changes upstream; the cache still answers stale until
	// invalidated.
	backend.inner.Put("c1", "bob")
	member, err = cached.IsMember(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.False(t, member)

	cached.Invalidate("c1")
	member, err = cached.IsMember(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.True(t, member)
}

func TestCached_UnknownChannelCached(t *testing.T) {
	backend := &countingService{inner: NewStatic(nil)}
	cached := NewCached(backend, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cached.IsMember(ctx, "alice", "ghost")
		assert.ErrorIs(t, err, ErrUnknownChannel)
	}
	assert.Equal(t, 1, backend.callCount())
}

func TestCached_ServesStaleOnBackendFailure(t *testing.T) {
	backend := &countingService{inner: NewStatic(map[string][]string{"c1": {"alice"}})}
	cached := NewCached(backend, 10*time.Millisecond)
	ctx := context.Background()

	member, err := cached.IsMember(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, member)

	time.Sleep(20 * time.Millisecond)
	backend.fail = true

	// Expired entry plus failing backend: the stale answer is used.
	member, err = cached.IsMember(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, member)
}

func TestCached_FailureWithNoCachePropagates(t *testing.T) {
	backend := &countingService{inner: NewStatic(nil), fail: true}
	cached := NewCached(backend, time.Minute)

	_, err := cached.IsMember(context.Background(), "alice", "c1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownChannel)
}
