// ABOUTME: Client protocol frames exchanged over the websocket connection
// ABOUTME: JSON payloads, length-delimited by the websocket framing layer

package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types for the client protocol.
const (
	FrameSend        = "send"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameAck         = "ack"
	FrameMessage     = "message"
	FrameError       = "error"
)

// Error codes carried by error frames. These mirror the failure taxonomy of
// the fanout pipeline so clients can distinguish retryable failures from
// rejections.
const (
	CodeValidationFailed    = "validation_failed"
	CodeUnknownChannel      = "unknown_channel"
	CodeNotAMember          = "not_a_member"
	CodeDuplicateConnection = "duplicate_connection"
	CodeRateLimited         = "rate_limited"
	CodeDeliveryFailed      = "delivery_failed"
	CodeBadFrame            = "bad_frame"
)

// Frame is the wire envelope for all client-facing traffic.
// Only the fields relevant to the frame type are populated.
type Frame struct {
	Type      string     `json:"type"`
	ChannelID string     `json:"channel_id,omitempty"`
	SenderID  string     `json:"sender_id,omitempty"`
	Body      string     `json:"body,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Code      string     `json:"code,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// AckFrame builds the acknowledgement for an accepted send.
func AckFrame(msg *Message) *Frame {
	created := msg.CreatedAt
	return &Frame{
		Type:      FrameAck,
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		CreatedAt: &created,
	}
}

// MessageFrame builds the delivery frame for a fanned-out message.
func MessageFrame(msg *Message) *Frame {
	created := msg.CreatedAt
	return &Frame{
		Type:      FrameMessage,
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		CreatedAt: &created,
	}
}

// ErrorFrame builds an error frame with a taxonomy code.
func ErrorFrame(code, detail string) *Frame {
	return &Frame{Type: FrameError, Code: code, Error: detail}
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}

// DecodeFrame parses an inbound wire payload.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}
