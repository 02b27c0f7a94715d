// ABOUTME: Tests for connection registration, subscription tracking, and local fanout
// ABOUTME: Covers duplicate rejection, dedup suppression, sender exclusion, slow consumers

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fanout-gateway/internal/dedupe"
	"github.com/2389/fanout-gateway/internal/message"
)

// capture collects frames a test connection receives.
type capture struct {
	mu     sync.Mutex
	frames []*message.Frame
	fail   bool
}

func (c *capture) write(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write refused")
	}
	f, err := message.DecodeFrame(payload)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *capture) waitFor(t *testing.T, n int) []*message.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.frames) >= n {
			frames := append([]*message.Frame(nil), c.frames...)
			c.mu.Unlock()
			return frames
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, c.count())
	return nil
}

func setupTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	window := dedupe.NewWindow(time.Minute, 1024)
	t.Cleanup(window.Close)
	r := New(window, opts, nil)
	t.Cleanup(r.Close)
	return r
}

func testMessage(channelID, senderID, body string) *message.Message {
	return &message.Message{
		ID:        message.NewID(),
		ChannelID: channelID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRegister_DuplicateClientRejected(t *testing.T) {
	r := setupTestRegistry(t, Options{})
	cap1 := &capture{}

	conn, err := r.Register("alice", cap1.write, nil)
	require.NoError(t, err)
	require.NotEmpty(t, conn.ID)

	_, err = r.Register("alice", cap1.write, nil)
	assert.ErrorIs(t, err, ErrDuplicateConnection)

	// After removal the identity is free again.
	r.Remove(conn.ID, "test")
	_, err = r.Register("alice", cap1.write, nil)
	assert.NoError(t, err)
}

func TestSubscribe_UnknownConnection(t *testing.T) {
	r := setupTestRegistry(t, Options{})

	assert.ErrorIs(t, r.Subscribe("nope", "c1"), ErrUnknownConnection)
	assert.ErrorIs(t, r.Unsubscribe("nope", "c1"), ErrUnknownConnection)
}

func TestDeliver_OnlySubscribedConnections(t *testing.T) {
	r := setupTestRegistry(t, Options{})
	capA, capB := &capture{}, &capture{}

	connA, err := r.Register("alice", capA.write, nil)
	require.NoError(t, err)
	connB, err := r.Register("bob", capB.write, nil)
	require.NoError(t, err)

	require.NoError(t, r.Subscribe(connA.ID, "c1"))
	require.NoError(t, r.Subscribe(connB.ID, "c2"))
	assert.Len(t, r.Connections("c1"), 1)

	n := r.Deliver(testMessage("c1", "carol", "hello"), "")
	assert.Equal(t, 1, n)

	frames := capA.waitFor(t, 1)
	assert.Equal(t, message.FrameMessage, frames[0].Type)
	assert.Equal(t, "c1", frames[0].ChannelID)
	assert.Equal(t, "hello", frames[0].Body)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, capB.count())
}

func TestDeliver_ExcludesSenderConnection(t *testing.T) {
	r := setupTestRegistry(t, Options{})
	capA, capB := &capture{}, &capture{}

	connA, err := r.Register("alice", capA.write, nil)
	require.NoError(t, err)
	connB, err := r.Register("bob", capB.write, nil)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(connA.ID, "c1"))
	require.NoError(t, r.Subscribe(connB.ID, "c1"))

	n := r.Deliver(testMessage("c1", "alice", "hi"), connA.ID)
	assert.Equal(t, 1, n)

	capB.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, capA.count())
}

func TestDeliver_SecondDeliverySuppressed(t *testing.T) {
	r := setupTestRegistry(t, Options{})
	capA := &capture{}

	connA, err := r.Register("alice", capA.write, nil)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(connA.ID, "c1"))

	msg := testMessage("c1", "bob", "once")

	// Optimistic path, then the same message consumed from the log.
	assert.Equal(t, 1, r.Deliver(msg, ""))
	assert.Equal(t, 0, r.Deliver(msg, ""))

	capA.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, capA.count())
}

func TestDeliver_DistinctMessagesNotSuppressed(t *testing.T) {
	r := setupTestRegistry(t, Options{})
	capA := &capture{}

	connA, err := r.Register("alice", capA.write, nil)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(connA.ID, "c1"))

	assert.Equal(t, 1, r.Deliver(testMessage("c1", "bob", "one"), ""))
	assert.Equal(t, 1, r.Deliver(testMessage("c1", "bob", "two"), ""))

	frames := capA.waitFor(t, 2)
	assert.Equal(t, "one", frames[0].Body)
	assert.Equal(t, "two", frames[1].Body)
}

func TestDeliver_PreservesEnqueueOrder(t *testing.T) {
	r := setupTestRegistry(t, Options{})
	capA := &capture{}

	connA, err := r.Register("alice", capA.write, nil)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(connA.ID, "c1"))

	for i := 0; i < 20; i++ {
		msg := testMessage("c1", "bob", string(rune('a'+i)))
		require.Equal(t, 1, r.Deliver(msg, ""))
	}

	frames := capA.waitFor(t, 20)
	for i := 0; i < 20; i++ {
		assert.Equal(t, string(rune('a'+i)), frames[i].Body)
	}
}

func TestDeliver_FullQueueDropsConnection(t *testing.T) {
	r := setupTestRegistry(t, Options{SendQueueSize: 1, WriteTimeout: 100 * time.Millisecond})

	// A write that blocks forever keeps the pump busy so the queue fills.
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	write := func(ctx context.Context, _ []byte) error {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return ctx.Err()
	}

	conn, err := r.Register("alice", write, nil)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(conn.ID, "c1"))

	// First message occupies the pump, second fills the queue, third drops.
	r.Deliver(testMessage("c1", "bob", "1"), "")
	r.Deliver(testMessage("c1", "bob", "2"), "")
	r.Deliver(testMessage("c1", "bob", "3"), "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Zero(t, r.Len(), "slow consumer should have been dropped")
}

func TestRemove_Idempotent(t *testing.T) {
	r := setupTestRegistry(t, Options{})
	capA := &capture{}

	conn, err := r.Register("alice", capA.write, nil)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(conn.ID, "c1"))

	r.Remove(conn.ID, "test")
	r.Remove(conn.ID, "test")
	assert.Zero(t, r.Len())

	// Channel set no longer fans out to the removed connection.
	assert.Zero(t, r.Deliver(testMessage("c1", "bob", "x"), ""))
}

func TestRemove_ClearsDeliveryRecords(t *testing.T) {
	window := dedupe.NewWindow(time.Minute, 1024)
	t.Cleanup(window.Close)
	r := New(window, Options{}, nil)
	t.Cleanup(r.Close)
	capA := &capture{}

	conn, err := r.Register("alice", capA.write, nil)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe(conn.ID, "c1"))

	r.Deliver(testMessage("c1", "bob", "x"), "")
	capA.waitFor(t, 1)
	require.NotZero(t, window.Len())

	r.Remove(conn.ID, "test")
	assert.Zero(t, window.Len())
}

func TestConnection_CloseFnCalledOnce(t *testing.T) {
	r := setupTestRegistry(t, Options{})
	capA := &capture{}

	var closes int
	var mu sync.Mutex
	conn, err := r.Register("alice", capA.write, func(string) {
		mu.Lock()
		closes++
		mu.Unlock()
	})
	require.NoError(t, err)

	r.Remove(conn.ID, "first")
	r.Remove(conn.ID, "second")
	<-conn.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closes)
}

func TestConnection_RateLimit(t *testing.T) {
	r := setupTestRegistry(t, Options{RateLimitPerSec: 1, RateLimitBurst: 2})
	capA := &capture{}

	conn, err := r.Register("alice", capA.write, nil)
	require.NoError(t, err)

	assert.True(t, conn.Allow())
	assert.True(t, conn.Allow())
	assert.False(t, conn.Allow())
}
