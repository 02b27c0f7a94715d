// ABOUTME: Store interface for durable message persistence
// ABOUTME: Idempotent writes keyed by message id; history reads for the UI collaborator

package store

import (
	"context"
	"errors"

	"github.com/2389/fanout-gateway/internal/message"
)

// ErrNotFound is returned when a requested message does not exist
var ErrNotFound = errors.New("not found")

// ErrUnavailable wraps transient storage failures. Callers retry with
// bounded backoff; the write is idempotent so retrying after an ambiguous
// outcome is safe.
var ErrUnavailable = errors.New("store unavailable")

// HistoryQuery selects a page of channel history.
type HistoryQuery struct {
	ChannelID string
	// BeforeID restricts results to messages with ids strictly less than
	// this cursor. Message ids are time-ordered, so id ordering is
	// chronological. Empty means newest.
	BeforeID string
	// Limit caps the page size; values outside 1..500 are clamped.
	Limit int
}

// Store persists accepted messages durably, exactly once per message id.
type Store interface {
	// SaveMessage records the message. Calling it again with the same id is
	// a no-op; the bool reports whether a new row was written.
	SaveMessage(ctx context.Context, msg *message.Message) (bool, error)

	// History returns messages for a channel, newest first, for the
	// history/UI collaborator's read path. Not part of the real-time hot
	// path.
	History(ctx context.Context, q HistoryQuery) ([]*message.Message, error)

	// GetMessage fetches one message by id.
	GetMessage(ctx context.Context, id string) (*message.Message, error)

	Close() error
}
