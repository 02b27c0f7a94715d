// ABOUTME: Message model shared by the fanout pipeline, log payloads, and the store
// ABOUTME: IDs are UUIDv7 so per-channel ordering survives lexicographic sorting

package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a chat message, immutable once accepted by a gateway instance.
// The same struct is serialized as the log payload and persisted by the store.
type Message struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channel_id"`
	SenderID         string    `json:"sender_id"`
	Body             string    `json:"body"`
	CreatedAt        time.Time `json:"created_at"`
	OriginInstanceID string    `json:"origin_instance_id"`
}

// NewID returns a new time-ordered message id. UUIDv7 embeds a millisecond
// timestamp in the high bits, so ids assigned at ingress sort in creation
// order within a channel.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4
		// rather than dropping the message.
		return uuid.NewString()
	}
	return id.String()
}

// Marshal serializes the message for the log payload.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling message %s: %w", m.ID, err)
	}
	return data, nil
}

// Unmarshal decodes a log payload back into a Message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling message payload: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("message payload missing id")
	}
	return &m, nil
}
