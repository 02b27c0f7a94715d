// ABOUTME: In-process implementation of the shared log for tests and dev mode
// ABOUTME: Same ordering and commit semantics as the Pulsar adapter, no broker required

package streamlog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLog is an in-process Log. It preserves the contract exactly: ordered
// partitions, named subscriptions that each observe every entry, and commit
// semantics where uncommitted entries are re-delivered to a re-opened
// subscription. Fanout across processes obviously does not work here; it
// exists for tests and single-node development, mirroring the store's
// ":memory:" mode.
type MemoryLog struct {
	mu         sync.Mutex
	partitions [][]([]byte)
	notify     []chan struct{}
	committed  map[string][]int64 // subscription name -> next offset per partition
	closed     bool
}

// NewMemoryLog creates a memory log with the given partition count.
func NewMemoryLog(partitions int) *MemoryLog {
	if partitions <= 0 {
		partitions = 1
	}
	l := &MemoryLog{
		partitions: make([][]([]byte), partitions),
		notify:     make([]chan struct{}, partitions),
		committed:  make(map[string][]int64),
	}
	for i := range l.notify {
		l.notify[i] = make(chan struct{})
	}
	return l
}

// Publish appends the payload to the key's partition and wakes consumers.
func (l *MemoryLog) Publish(_ context.Context, key string, payload []byte) (int64, error) {
	p := PartitionFor(key, len(l.partitions))

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.partitions[p] = append(l.partitions[p], buf)
	offset := int64(len(l.partitions[p]) - 1)

	// Wake all waiting consumers of this partition.
	close(l.notify[p])
	l.notify[p] = make(chan struct{})

	return offset, nil
}

// Subscribe opens (or re-opens) the named subscription. Progress committed by
// a previous subscription with the same name is retained, so an uncommitted
// entry is delivered again.
func (l *MemoryLog) Subscribe(_ context.Context, name string) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.committed[name]; !ok {
		l.committed[name] = make([]int64, len(l.partitions))
	}
	return &memorySubscription{log: l, name: name}, nil
}

// Partitions returns the partition count.
func (l *MemoryLog) Partitions() int {
	return len(l.partitions)
}

// Close shuts the log; subsequent publishes and consumes fail or stop.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		l.closed = true
		for i := range l.notify {
			close(l.notify[i])
			l.notify[i] = make(chan struct{})
		}
	}
	return nil
}

type memorySubscription struct {
	log    *MemoryLog
	name   string
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (s *memorySubscription) Partitions() []int {
	parts := make([]int, s.log.Partitions())
	for i := range parts {
		parts[i] = i
	}
	return parts
}

func (s *memorySubscription) Consume(ctx context.Context, partition int) (<-chan Entry, error) {
	if partition < 0 || partition >= s.log.Partitions() {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.done == nil {
		s.done = make(chan struct{})
	}
	done := s.done
	s.mu.Unlock()

	ch := make(chan Entry)
	go s.pump(ctx, partition, ch, done)
	return ch, nil
}

// pump streams entries for one partition in offset order, starting after the
// subscription's committed offset, blocking until new entries arrive.
func (s *memorySubscription) pump(ctx context.Context, partition int, ch chan<- Entry, done <-chan struct{}) {
	defer close(ch)

	next := s.committedOffset(partition)
	for {
		s.log.mu.Lock()
		if s.log.closed {
			s.log.mu.Unlock()
			return
		}
		if next < int64(len(s.log.partitions[partition])) {
			payload := s.log.partitions[partition][next]
			s.log.mu.Unlock()

			offset := next
			entry := Entry{
				Partition: partition,
				Offset:    offset,
				Payload:   payload,
				ack: func() {
					s.commitOffset(partition, offset+1)
				},
			}
			select {
			case ch <- entry:
				next++
			case <-ctx.Done():
				return
			case <-done:
				return
			}
			continue
		}
		wait := s.log.notify[partition]
		s.log.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func (s *memorySubscription) committedOffset(partition int) int64 {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	return s.log.committed[s.name][partition]
}

func (s *memorySubscription) commitOffset(partition int, next int64) {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	if next > s.log.committed[s.name][partition] {
		s.log.committed[s.name][partition] = next
	}
}

func (s *memorySubscription) Commit(e Entry) {
	if e.ack != nil {
		e.ack()
	}
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		if s.done != nil {
			close(s.done)
		}
	}
	return nil
}
