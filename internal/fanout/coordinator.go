// ABOUTME: Fanout coordinator running the accept/persist/publish/consume pipeline
// ABOUTME: Every instance consumes the full log and rebroadcasts to its local connections

package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/fanout-gateway/internal/membership"
	"github.com/2389/fanout-gateway/internal/message"
	"github.com/2389/fanout-gateway/internal/metrics"
	"github.com/2389/fanout-gateway/internal/registry"
	"github.com/2389/fanout-gateway/internal/store"
	"github.com/2389/fanout-gateway/internal/streamlog"
)

// ErrDeliveryFailed marks a send that exhausted its retries after passing
// validation. The client saw no ack and should retry the send.
var ErrDeliveryFailed = errors.New("delivery failed")

// ValidationError rejects a send before it enters the pipeline. Code is from
// the frame error taxonomy so the gateway can report it directly.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Config tunes the coordinator.
type Config struct {
	InstanceID   string
	MaxBodyBytes int
	MaxAttempts  int
	// OptimisticLocal delivers to local subscribers immediately after
	// publish instead of waiting for the message to come back through the
	// log. The shortcut is taken only when this instance's consumer has
	// already handled every earlier entry on the partition; otherwise the
	// message reaches local subscribers through the ordered consumption
	// path so channel order holds even while the consumer lags. The
	// DeliveryRecord window suppresses the second copy.
	OptimisticLocal bool
	RetryMaxWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 16 * 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 2 * time.Second
	}
	return c
}

// Coordinator owns the message pipeline for one gateway instance: it accepts
// sends from local connections, persists and publishes them, and consumes the
// shared log to rebroadcast every instance's messages locally.
type Coordinator struct {
	cfg      Config
	store    store.Store
	log      streamlog.Log
	members  membership.Service
	registry *registry.Registry
	logger   *slog.Logger
	wg       sync.WaitGroup

	// handled tracks, per partition, the offset of the last entry this
	// instance's consumer has delivered locally. Ingest consults it to
	// decide whether optimistic delivery would jump ahead of an in-flight
	// earlier entry.
	handledMu sync.Mutex
	handled   map[int]int64
}

// New creates a coordinator. Run must be called for cross-instance messages
// to reach local connections.
func New(cfg Config, st store.Store, lg streamlog.Log, members membership.Service, reg *registry.Registry, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		store:    st,
		log:      lg,
		members:  members,
		registry: reg,
		logger:   logger.With("component", "fanout"),
		handled:  make(map[int]int64),
	}
}

// Ingest runs the accept path for one inbound send: validate, assign
// identity, persist, publish, and optimistically deliver to local
// subscribers. The returned message carries the assigned id for the ack. A
// *ValidationError means the message was rejected and nothing was stored; an
// error wrapping ErrDeliveryFailed means the pipeline gave up after retries
// and the client should retry the send.
func (c *Coordinator) Ingest(ctx context.Context, sender *registry.Connection, channelID, body string) (*message.Message, error) {
	if err := c.validate(ctx, sender.ClientID, channelID, body); err != nil {
		if verr, ok := err.(*ValidationError); ok {
			metrics.MessagesRejected.WithLabelValues(verr.Code).Inc()
		}
		return nil, err
	}

	msg := &message.Message{
		ID:               message.NewID(),
		ChannelID:        channelID,
		SenderID:         sender.ClientID,
		Body:             body,
		CreatedAt:        time.Now().UTC(),
		OriginInstanceID: c.cfg.InstanceID,
	}

	// Persist before publish. If the process dies between the two, the
	// message exists in history but never fans out; the client sees no ack
	// and resends, which is the failure mode we prefer over a delivered
	// message that is missing from history.
	if err := c.persist(ctx, msg); err != nil {
		metrics.MessagesFailed.Inc()
		return nil, fmt.Errorf("%w: persisting message %s: %w", ErrDeliveryFailed, msg.ID, err)
	}
	offset, err := c.publish(ctx, msg)
	if err != nil {
		metrics.MessagesFailed.Inc()
		return nil, fmt.Errorf("%w: publishing message %s: %w", ErrDeliveryFailed, msg.ID, err)
	}

	// Optimistic delivery is taken only when the local consumer is caught
	// up on the partition. If an earlier entry is still in flight,
	// delivering now would show subscribers this message before one
	// accepted earlier; skipping keeps delivery in log order.
	partition := streamlog.PartitionFor(msg.ChannelID, c.log.Partitions())
	if c.cfg.OptimisticLocal && c.consumerCaughtUp(partition, offset) {
		c.registry.Deliver(msg, sender.ID)
	}

	metrics.MessagesAccepted.Inc()
	c.logger.Debug("message accepted",
		"message_id", msg.ID,
		"channel_id", channelID,
		"sender_id", sender.ClientID)
	return msg, nil
}

func (c *Coordinator) validate(ctx context.Context, clientID, channelID, body string) error {
	if channelID == "" {
		return &ValidationError{Code: message.CodeValidationFailed, Detail: "channel_id is required"}
	}
	if body == "" {
		return &ValidationError{Code: message.CodeValidationFailed, Detail: "body is empty"}
	}
	if len(body) > c.cfg.MaxBodyBytes {
		return &ValidationError{
			Code:   message.CodeValidationFailed,
			Detail: fmt.Sprintf("body exceeds %d bytes", c.cfg.MaxBodyBytes),
		}
	}

	member, err := c.members.IsMember(ctx, clientID, channelID)
	switch {
	case err == membership.ErrUnknownChannel:
		return &ValidationError{Code: message.CodeUnknownChannel, Detail: "no such channel"}
	case err != nil:
		return fmt.Errorf("checking membership: %w", err)
	case !member:
		return &ValidationError{Code: message.CodeNotAMember, Detail: "sender is not a channel member"}
	}
	return nil
}

// retryPolicy bounds the backoff used for persist and publish.
func (c *Coordinator) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = c.cfg.RetryMaxWait
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxAttempts-1)), ctx)
}

func (c *Coordinator) persist(ctx context.Context, msg *message.Message) error {
	return backoff.RetryNotify(
		func() error {
			_, err := c.store.SaveMessage(ctx, msg)
			return err
		},
		c.retryPolicy(ctx),
		func(err error, wait time.Duration) {
			c.logger.Warn("persist failed, retrying",
				"message_id", msg.ID,
				"wait", wait,
				"error", err)
		},
	)
}

func (c *Coordinator) publish(ctx context.Context, msg *message.Message) (int64, error) {
	payload, err := msg.Marshal()
	if err != nil {
		return 0, err
	}

	var offset int64
	start := time.Now()
	err = backoff.RetryNotify(
		func() error {
			var perr error
			offset, perr = c.log.Publish(ctx, msg.ChannelID, payload)
			return perr
		},
		c.retryPolicy(ctx),
		func(err error, wait time.Duration) {
			metrics.PublishRetries.Inc()
			c.logger.Warn("publish failed, retrying",
				"message_id", msg.ID,
				"wait", wait,
				"error", err)
		},
	)
	if err != nil {
		return 0, err
	}
	metrics.PublishLatency.Observe(float64(time.Since(start).Milliseconds()))
	return offset, nil
}

// consumerCaughtUp reports whether this instance's consumer has already
// handled every entry published to the partition before offset. Memory log
// offsets are dense, so equality against the previous offset is exact; log
// adapters with sparse offsets fail the check and fanout falls back to the
// ordered consumption path.
func (c *Coordinator) consumerCaughtUp(partition int, offset int64) bool {
	c.handledMu.Lock()
	defer c.handledMu.Unlock()
	last, ok := c.handled[partition]
	if !ok {
		return offset == 0
	}
	return last >= offset-1
}

// noteHandled records consumer progress. Called only after the entry's local
// delivery completed, never before, so caught-up checks cannot race ahead of
// an undelivered entry.
func (c *Coordinator) noteHandled(partition int, offset int64) {
	c.handledMu.Lock()
	defer c.handledMu.Unlock()
	if last, ok := c.handled[partition]; !ok || offset > last {
		c.handled[partition] = offset
	}
}

// Run consumes the shared log until ctx is canceled. Each partition gets its
// own goroutine; entries within a partition are handled strictly in order and
// committed only after handling, so a crash re-delivers rather than skips.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.log.Subscribe(ctx, "gateway-"+c.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("subscribing to log: %w", err)
	}

	for _, partition := range sub.Partitions() {
		entries, err := sub.Consume(ctx, partition)
		if err != nil {
			sub.Close()
			return fmt.Errorf("consuming partition %d: %w", partition, err)
		}
		c.wg.Add(1)
		go c.consumePartition(sub, partition, entries)
	}

	c.logger.Info("consuming log",
		"subscription", "gateway-"+c.cfg.InstanceID,
		"partitions", len(sub.Partitions()))

	<-ctx.Done()
	c.wg.Wait()
	return sub.Close()
}

// consumePartition handles one partition's entries in order.
func (c *Coordinator) consumePartition(sub streamlog.Subscription, partition int, entries <-chan streamlog.Entry) {
	defer c.wg.Done()
	label := strconv.Itoa(partition)

	for entry := range entries {
		metrics.EntriesConsumed.WithLabelValues(label).Inc()
		c.handleEntry(entry)
		c.noteHandled(entry.Partition, entry.Offset)
		sub.Commit(entry)
	}
}

// handleEntry persists the consumed message idempotently and rebroadcasts it
// to local subscribers. The sender's own connection, if attached to this
// instance, is excluded so clients never see their own message echoed back.
func (c *Coordinator) handleEntry(entry streamlog.Entry) {
	msg, err := message.Unmarshal(entry.Payload)
	if err != nil {
		// A malformed payload can never succeed; committing it is the only
		// way to keep the partition moving.
		c.logger.Error("dropping malformed log entry",
			"partition", entry.Partition,
			"offset", entry.Offset,
			"error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Every instance persists every consumed message so its local history
	// is complete. On the origin instance this is a no-op on the id.
	if err := c.persist(ctx, msg); err != nil {
		// Delivery still proceeds: real-time fanout should not stall on a
		// history write, and the log retains the entry for backfill.
		c.logger.Error("persisting consumed message failed",
			"message_id", msg.ID,
			"error", err)
	}

	exclude, _ := c.registry.ConnIDForClient(msg.SenderID)
	c.registry.Deliver(msg, exclude)
}
