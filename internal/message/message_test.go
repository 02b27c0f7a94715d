// ABOUTME: Tests for message ids, log payload round-trips, and frame decoding
// ABOUTME: Covers UUIDv7 ordering and malformed payload rejection

package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Ordered(t *testing.T) {
	// UUIDv7 ids assigned in sequence must sort in assignment order.
	prev := NewID()
	for i := 0; i < 50; i++ {
		time.Sleep(time.Millisecond)
		next := NewID()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestMessage_MarshalRoundTrip(t *testing.T) {
	msg := &Message{
		ID:               NewID(),
		ChannelID:        "c1",
		SenderID:         "alice",
		Body:             "hello",
		CreatedAt:        time.Now().UTC().Truncate(time.Millisecond),
		OriginInstanceID: "gw-1",
	}

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestUnmarshal_MissingID(t *testing.T) {
	_, err := Unmarshal([]byte(`{"channel_id":"c1","body":"hi"}`))
	assert.Error(t, err)
}

func TestUnmarshal_Garbage(t *testing.T) {
	_, err := Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeFrame_Send(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"send","channel_id":"c1","body":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameSend, f.Type)
	assert.Equal(t, "c1", f.ChannelID)
	assert.Equal(t, "hi", f.Body)
}

func TestDecodeFrame_MissingType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"channel_id":"c1"}`))
	assert.Error(t, err)
}

func TestAckFrame(t *testing.T) {
	created := time.Now().UTC()
	msg := &Message{ID: "m1", ChannelID: "c1", CreatedAt: created}

	f := AckFrame(msg)
	assert.Equal(t, FrameAck, f.Type)
	assert.Equal(t, "m1", f.MessageID)
	assert.Equal(t, "c1", f.ChannelID)
	require.NotNil(t, f.CreatedAt)
	assert.True(t, f.CreatedAt.Equal(created))
}

func TestMessageFrame_RoundTrip(t *testing.T) {
	msg := &Message{
		ID:        "m2",
		ChannelID: "c1",
		SenderID:  "bob",
		Body:      "hey",
		CreatedAt: time.Now().UTC(),
	}

	data, err := EncodeFrame(MessageFrame(msg))
	require.NoError(t, err)

	f, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, FrameMessage, f.Type)
	assert.Equal(t, "bob", f.SenderID)
	assert.Equal(t, "hey", f.Body)
}
