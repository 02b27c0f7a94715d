// ABOUTME: Tests for the in-memory log: ordering, fanout, commit/resume semantics
// ABOUTME: These properties are the contract the Pulsar adapter must also satisfy

package streamlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEntries(t *testing.T, ch <-chan Entry, n int) []Entry {
	t.Helper()
	entries := make([]Entry, 0, n)
	timeout := time.After(2 * time.Second)
	for len(entries) < n {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "entry channel closed early")
			entries = append(entries, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d entries", len(entries), n)
		}
	}
	return entries
}

func TestPartitionFor_Deterministic(t *testing.T) {
	p1 := PartitionFor("channel-1", 16)
	p2 := PartitionFor("channel-1", 16)
	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, 0)
	assert.Less(t, p1, 16)
}

func TestMemoryLog_PublishOrderWithinPartition(t *testing.T) {
	log := NewMemoryLog(4)
	defer log.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := log.Publish(ctx, "c1", []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	sub, err := log.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	defer sub.Close()

	partition := PartitionFor("c1", 4)
	ch, err := sub.Consume(ctx, partition)
	require.NoError(t, err)

	entries := collectEntries(t, ch, 10)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("m%d", i), string(e.Payload))
		assert.Equal(t, int64(i), e.Offset)
		assert.Equal(t, partition, e.Partition)
	}
}

func TestMemoryLog_FanoutToMultipleSubscriptions(t *testing.T) {
	log := NewMemoryLog(2)
	defer log.Close()
	ctx := context.Background()

	subA, err := log.Subscribe(ctx, "inst-a")
	require.NoError(t, err)
	subB, err := log.Subscribe(ctx, "inst-b")
	require.NoError(t, err)

	partition := PartitionFor("c1", 2)
	chA, err := subA.Consume(ctx, partition)
	require.NoError(t, err)
	chB, err := subB.Consume(ctx, partition)
	require.NoError(t, err)

	_, err = log.Publish(ctx, "c1", []byte("hello"))
	require.NoError(t, err)

	// Both named subscriptions observe the same entry.
	ea := collectEntries(t, chA, 1)[0]
	eb := collectEntries(t, chB, 1)[0]
	assert.Equal(t, "hello", string(ea.Payload))
	assert.Equal(t, "hello", string(eb.Payload))
	assert.Equal(t, ea.Offset, eb.Offset)
}

func TestMemoryLog_UncommittedEntriesRedelivered(t *testing.T) {
	log := NewMemoryLog(1)
	defer log.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Publish(ctx, "c1", []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	sub, err := log.Subscribe(ctx, "inst-1")
	require.NoError(t, err)

	consumeCtx, cancel := context.WithCancel(ctx)
	ch, err := sub.Consume(consumeCtx, 0)
	require.NoError(t, err)

	entries := collectEntries(t, ch, 3)
	// Commit only the first entry, then simulate a crash.
	sub.Commit(entries[0])
	cancel()
	require.NoError(t, sub.Close())

	// Re-opening the same subscription resumes after the committed offset.
	sub2, err := log.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	defer sub2.Close()

	ch2, err := sub2.Consume(ctx, 0)
	require.NoError(t, err)

	redelivered := collectEntries(t, ch2, 2)
	assert.Equal(t, "m1", string(redelivered[0].Payload))
	assert.Equal(t, "m2", string(redelivered[1].Payload))
}

func TestMemoryLog_CommitIsMonotonic(t *testing.T) {
	log := NewMemoryLog(1)
	defer log.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Publish(ctx, "c1", []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	sub, err := log.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	ch, err := sub.Consume(ctx, 0)
	require.NoError(t, err)

	entries := collectEntries(t, ch, 3)
	// Committing a later entry then an earlier one must not move progress back.
	sub.Commit(entries[2])
	sub.Commit(entries[0])
	require.NoError(t, sub.Close())

	sub2, err := log.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	defer sub2.Close()

	_, err = log.Publish(ctx, "c1", []byte("m3"))
	require.NoError(t, err)

	ch2, err := sub2.Consume(ctx, 0)
	require.NoError(t, err)
	next := collectEntries(t, ch2, 1)[0]
	assert.Equal(t, "m3", string(next.Payload))
}

func TestMemoryLog_KeysRouteToStablePartitions(t *testing.T) {
	log := NewMemoryLog(8)
	defer log.Close()
	ctx := context.Background()

	// Same key always lands on the same partition; offsets increase per
	// partition independently.
	off1, err := log.Publish(ctx, "c1", []byte("a"))
	require.NoError(t, err)
	off2, err := log.Publish(ctx, "c1", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, off1+1, off2)
}

func TestMemoryLog_PublishAfterClose(t *testing.T) {
	log := NewMemoryLog(1)
	require.NoError(t, log.Close())

	_, err := log.Publish(context.Background(), "c1", []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = log.Subscribe(context.Background(), "inst-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryLog_ConsumeBlocksUntilPublish(t *testing.T) {
	log := NewMemoryLog(1)
	defer log.Close()
	ctx := context.Background()

	sub, err := log.Subscribe(ctx, "inst-1")
	require.NoError(t, err)
	defer sub.Close()

	ch, err := sub.Consume(ctx, 0)
	require.NoError(t, err)

	select {
	case e := <-ch:
		t.Fatalf("unexpected entry before publish: %v", e)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = log.Publish(ctx, "c1", []byte("late"))
	require.NoError(t, err)

	e := collectEntries(t, ch, 1)[0]
	assert.Equal(t, "late", string(e.Payload))
}
