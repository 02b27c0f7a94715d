// ABOUTME: Durable ordered log abstraction shared by all gateway instances
// ABOUTME: Defines publish/subscribe contracts, entries, offsets, and partition routing

package streamlog

import (
	"context"
	"errors"
	"hash/fnv"
)

// ErrPublishUnavailable indicates the log broker could not be reached.
// Publish is not idempotent at this layer; the caller retries with bounded
// backoff and relies on downstream dedup to absorb duplicates.
var ErrPublishUnavailable = errors.New("log publish unavailable")

// ErrClosed indicates the log or subscription has been closed.
var ErrClosed = errors.New("log closed")

// Entry is one record read from a partition. Offset is monotonically
// increasing within a partition; entries across partitions carry no ordering
// relationship.
type Entry struct {
	Partition int
	Offset    int64
	Payload   []byte

	// ack commits this entry for the owning subscription. Implementations
	// populate it; consumers call Subscription.Commit.
	ack func()
}

// Log is a partitioned, ordered, replicated append-only log. All gateway
// instances publish to and consume from the same log; within one partition
// every subscription observes entries in publish order.
type Log interface {
	// Publish appends the payload to the partition selected by key and
	// returns the offset it was assigned.
	Publish(ctx context.Context, key string, payload []byte) (int64, error)

	// Subscribe opens a named subscription covering every partition.
	// Subscriptions with distinct names each observe the full log; a
	// subscription resumes from its last committed offsets, so entries
	// handled but not committed before a crash are re-delivered.
	Subscribe(ctx context.Context, name string) (Subscription, error)

	// Partitions returns the partition count.
	Partitions() int

	Close() error
}

// Subscription is one named consumer of the log.
type Subscription interface {
	// Partitions lists the partitions assigned to this subscription.
	Partitions() []int

	// Consume returns a channel of entries for one partition, strictly in
	// offset order, starting after the last committed offset. The channel
	// closes when ctx is canceled or the subscription closes.
	Consume(ctx context.Context, partition int) (<-chan Entry, error)

	// Commit durably records that every entry of the partition up to and
	// including e has been handled. Only committed progress survives a
	// restart.
	Commit(e Entry)

	Close() error
}

// PartitionFor maps a partition key to a partition using FNV-1a. The mapping
// is deterministic so all messages for one channel land on one partition.
func PartitionFor(key string, partitions int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}
