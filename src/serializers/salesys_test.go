package serializers

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
)

func TestDeserializeStartBindsCallMetadata(t *testing.T) {
	t.Parallel()

	s := NewSalesysFrameSerializer("call-1")
	frame, err := s.Deserialize(`{
		"event": "start",
		"callId": "call-1",
		"start": {"caller": "+46701234567", "called": "+46101234567",
			"mediaFormat": {"encoding": "mulaw", "sampleRate": 8000, "channels": 1}}
	}`)
	require.NoError(t, err)

	start, ok := frame.(*frames.StartFrame)
	require.True(t, ok)
	assert.Equal(t, "+46701234567", start.Caller)
	assert.Equal(t, "+46101234567", start.Called)
	assert.Equal(t, "call-1", start.CallID())
	assert.Equal(t, "+46701234567", s.Caller())
}

func TestDeserializeMediaYieldsTelephonyAudio(t *testing.T) {
	t.Parallel()

	payload := []byte{0xFF, 0x7F, 0x12, 0x34}
	s := NewSalesysFrameSerializer("call-2")
	frame, err := s.Deserialize(`{"event": "media", "callId": "call-2", "media": {"payload": "` +
		base64.StdEncoding.EncodeToString(payload) + `"}}`)
	require.NoError(t, err)

	audio, ok := frame.(*frames.AudioFrame)
	require.True(t, ok)
	assert.Equal(t, payload, audio.Data)
	assert.Equal(t, 8000, audio.SampleRate)
	assert.Equal(t, 1, audio.Channels)
	assert.Equal(t, "mulaw", audio.Codec)
}

func TestStartEventNegotiatesAlaw(t *testing.T) {
	t.Parallel()

	s := NewSalesysFrameSerializer("call-alaw")
	assert.Equal(t, "mulaw", s.Codec(), "mulaw until negotiated")

	_, err := s.Deserialize(`{
		"event": "start",
		"callId": "call-alaw",
		"start": {"caller": "+46701234567", "called": "+46101234567",
			"mediaFormat": {"encoding": "PCMA", "sampleRate": 8000, "channels": 1}}
	}`)
	require.NoError(t, err)
	assert.Equal(t, "alaw", s.Codec())

	payload := []byte{0x55, 0xD5}
	frame, err := s.Deserialize(`{"event": "media", "callId": "call-alaw", "media": {"payload": "` +
		base64.StdEncoding.EncodeToString(payload) + `"}}`)
	require.NoError(t, err)

	audio, ok := frame.(*frames.AudioFrame)
	require.True(t, ok)
	assert.Equal(t, "alaw", audio.Codec)
}

func TestUnknownMediaFormatKeepsMulaw(t *testing.T) {
	t.Parallel()

	s := NewSalesysFrameSerializer("call-odd")
	_, err := s.Deserialize(`{
		"event": "start",
		"callId": "call-odd",
		"start": {"caller": "+46701234567", "called": "+46101234567",
			"mediaFormat": {"encoding": "opus", "sampleRate": 48000, "channels": 1}}
	}`)
	require.NoError(t, err)
	assert.Equal(t, "mulaw", s.Codec())
}

func TestDeserializeStopAndUnknownEvents(t *testing.T) {
	t.Parallel()

	s := NewSalesysFrameSerializer("call-3")

	frame, err := s.Deserialize([]byte(`{"event": "stop", "callId": "call-3"}`))
	require.NoError(t, err)
	_, ok := frame.(*frames.EndFrame)
	assert.True(t, ok)

	frame, err = s.Deserialize(`{"event": "mark", "callId": "call-3"}`)
	require.NoError(t, err)
	assert.Nil(t, frame, "unknown events are ignored")

	frame, err = s.Deserialize(`{"event": "media", "callId": "call-3"}`)
	assert.Error(t, err, "media event without a payload is malformed")
	assert.Nil(t, frame)
}

func TestSerializeAudioAndControlFrames(t *testing.T) {
	t.Parallel()

	s := NewSalesysFrameSerializer("call-4")

	data := []byte{0x01, 0x02, 0x03}
	out, err := s.Serialize(frames.NewAudioFrameWithCodec(data, 8000, 1, "mulaw"))
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out.(string)), &msg))
	assert.Equal(t, "media", msg["event"])
	assert.Equal(t, "call-4", msg["callId"])
	media := msg["media"].(map[string]interface{})
	assert.Equal(t, base64.StdEncoding.EncodeToString(data), media["payload"])

	out, err = s.Serialize(frames.NewInterruptionFrame())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out.(string)), &msg))
	assert.Equal(t, "clear", msg["event"])

	out, err = s.Serialize(frames.NewEndFrame())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out.(string)), &msg))
	assert.Equal(t, "stop", msg["event"])

	// Frames without a wire representation serialize to nothing
	out, err = s.Serialize(frames.NewTranscriptionFrame("hej", true))
	require.NoError(t, err)
	assert.Nil(t, out)
}
