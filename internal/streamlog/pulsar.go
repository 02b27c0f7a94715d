// ABOUTME: Pulsar-backed implementation of the shared ordered log
// ABOUTME: One producer and one exclusive per-instance consumer per partition topic

package streamlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
)

// partitionSuffixFormat matches Pulsar's partitioned topic naming.
const partitionSuffixFormat = "-partition-%d"

// PulsarLog implements Log on an Apache Pulsar partitioned topic. Messages
// for one partition key are always produced to the same partition topic, so
// Pulsar's per-topic ordering gives the per-partition ordering guarantee.
// Each gateway instance subscribes under its own subscription name, which
// makes the log a fanout: every instance observes every entry exactly once.
type PulsarLog struct {
	client     pulsar.Client
	topic      string
	partitions int
	logger     *slog.Logger

	mu        sync.Mutex
	producers map[int]pulsar.Producer
	closed    bool
}

// PulsarConfig configures the Pulsar log adapter.
type PulsarConfig struct {
	URL        string
	Topic      string
	Partitions int
}

// NewPulsarLog connects to the broker. The partitioned topic is expected to
// exist with at least cfg.Partitions partitions (provisioned by deploy
// tooling, outside this process).
func NewPulsarLog(cfg PulsarConfig, logger *slog.Logger) (*PulsarLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := pulsar.NewClient(pulsar.ClientOptions{URL: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("connecting to pulsar at %s: %w", cfg.URL, err)
	}
	return &PulsarLog{
		client:     client,
		topic:      cfg.Topic,
		partitions: cfg.Partitions,
		logger:     logger.With("component", "pulsar-log"),
		producers:  make(map[int]pulsar.Producer),
	}, nil
}

// partitionTopic returns the per-partition topic name.
func (l *PulsarLog) partitionTopic(partition int) string {
	return l.topic + fmt.Sprintf(partitionSuffixFormat, partition)
}

// producerFor lazily creates the producer for a partition topic.
func (l *PulsarLog) producerFor(partition int) (pulsar.Producer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if p, ok := l.producers[partition]; ok {
		return p, nil
	}
	p, err := l.client.CreateProducer(pulsar.ProducerOptions{
		Topic:           l.partitionTopic(partition),
		DisableBatching: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating producer for partition %d: %v", ErrPublishUnavailable, partition, err)
	}
	l.producers[partition] = p
	return p, nil
}

// Publish appends the payload to the key's partition.
func (l *PulsarLog) Publish(ctx context.Context, key string, payload []byte) (int64, error) {
	partition := PartitionFor(key, l.partitions)
	producer, err := l.producerFor(partition)
	if err != nil {
		return 0, err
	}

	msgID, err := producer.Send(ctx, &pulsar.ProducerMessage{
		Key:     key,
		Payload: payload,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: partition %d: %v", ErrPublishUnavailable, partition, err)
	}
	return packOffset(msgID), nil
}

// Subscribe opens the named subscription. Consumers are created per
// partition on the first Consume call.
func (l *PulsarLog) Subscribe(_ context.Context, name string) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	return &pulsarSubscription{
		log:       l,
		name:      name,
		consumers: make(map[int]pulsar.Consumer),
		logger:    l.logger.With("subscription", name),
	}, nil
}

// Partitions returns the configured partition count.
func (l *PulsarLog) Partitions() int {
	return l.partitions
}

// Close releases producers and the client connection.
func (l *PulsarLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, p := range l.producers {
		p.Close()
	}
	l.client.Close()
	return nil
}

type pulsarSubscription struct {
	log    *PulsarLog
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	consumers map[int]pulsar.Consumer
	closed    bool
}

func (s *pulsarSubscription) Partitions() []int {
	parts := make([]int, s.log.partitions)
	for i := range parts {
		parts[i] = i
	}
	return parts
}

func (s *pulsarSubscription) Consume(ctx context.Context, partition int) (<-chan Entry, error) {
	if partition < 0 || partition >= s.log.partitions {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	consumer, ok := s.consumers[partition]
	if !ok {
		var err error
		consumer, err = s.log.client.Subscribe(pulsar.ConsumerOptions{
			Topic:                       s.log.partitionTopic(partition),
			SubscriptionName:            s.name,
			Type:                        pulsar.Exclusive,
			SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
		})
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("subscribing partition %d: %w", partition, err)
		}
		s.consumers[partition] = consumer
	}
	s.mu.Unlock()

	ch := make(chan Entry)
	go s.pump(ctx, partition, consumer, ch)
	return ch, nil
}

// pump converts consumer messages into entries. Entries are acked
// cumulatively on commit, so an entry handled but never committed is
// re-delivered when the subscription reconnects.
func (s *pulsarSubscription) pump(ctx context.Context, partition int, consumer pulsar.Consumer, ch chan<- Entry) {
	defer close(ch)

	for {
		select {
		case cm, ok := <-consumer.Chan():
			if !ok {
				return
			}
			msgID := cm.ID()
			entry := Entry{
				Partition: partition,
				Offset:    packOffset(msgID),
				Payload:   cm.Payload(),
				ack: func() {
					if err := consumer.AckIDCumulative(msgID); err != nil {
						s.logger.Warn("cumulative ack failed",
							"partition", partition,
							"ledger_id", msgID.LedgerID(),
							"entry_id", msgID.EntryID(),
							"error", err)
					}
				},
			}
			select {
			case ch <- entry:
			case <-ctx.Done():
				consumer.Nack(cm.Message)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *pulsarSubscription) Commit(e Entry) {
	if e.ack != nil {
		e.ack()
	}
}

func (s *pulsarSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.consumers {
		c.Close()
	}
	return nil
}

// packOffset folds a Pulsar message id into a single int64 that increases in
// publish order within a partition. Ledger ids grow over time and entry ids
// grow within a ledger, so the packed value stays monotonic per partition.
func packOffset(id pulsar.MessageID) int64 {
	return id.LedgerID()<<28 | id.EntryID()
}
