package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
)

// SalesysFrameSerializer handles the Salesys media-stream WebSocket protocol:
// JSON events "start", "media" and "stop", with base64 8kHz audio payloads.
// The payload codec is mulaw unless the start event negotiates A-law.
type SalesysFrameSerializer struct {
	callID string
	caller string
	called string

	codecMu sync.Mutex
	codec   string
}

// Salesys message structures
type salesysMessage struct {
	Event  string         `json:"event"`
	CallID string         `json:"callId,omitempty"`
	Media  *salesysMedia  `json:"media,omitempty"`
	Start  *salesysStart  `json:"start,omitempty"`
	Stop   map[string]any `json:"stop,omitempty"`
}

type salesysMedia struct {
	Payload string `json:"payload"` // base64-encoded mulaw audio
}

type salesysStart struct {
	Caller      string              `json:"caller"`
	Called      string              `json:"called"`
	MediaFormat *salesysMediaFormat `json:"mediaFormat,omitempty"`
}

type salesysMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// NewSalesysFrameSerializer creates a serializer bound to one call
func NewSalesysFrameSerializer(callID string) *SalesysFrameSerializer {
	return &SalesysFrameSerializer{
		callID: callID,
		codec:  "mulaw",
	}
}

// Type returns the serialization type (Salesys uses JSON/text)
func (s *SalesysFrameSerializer) Type() SerializerType {
	return SerializerTypeText
}

// Setup initializes the serializer with startup configuration
func (s *SalesysFrameSerializer) Setup(frame frames.Frame) error {
	if start, ok := frame.(*frames.StartFrame); ok {
		s.caller = start.Caller
		s.called = start.Called
	}
	return nil
}

// Serialize converts a frame to the Salesys WebSocket JSON format
func (s *SalesysFrameSerializer) Serialize(frame frames.Frame) (interface{}, error) {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		msg := salesysMessage{
			Event:  "media",
			CallID: s.callID,
			Media: &salesysMedia{
				Payload: base64.StdEncoding.EncodeToString(f.Data),
			},
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal media message: %w", err)
		}
		return string(data), nil

	case *frames.InterruptionFrame:
		// Clear any audio the provider has buffered beyond our sink
		msg := salesysMessage{
			Event:  "clear",
			CallID: s.callID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal clear message: %w", err)
		}
		return string(data), nil

	case *frames.EndFrame:
		msg := salesysMessage{
			Event:  "stop",
			CallID: s.callID,
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stop message: %w", err)
		}
		return string(data), nil

	default:
		// Other frame types have no wire representation
		return nil, nil
	}
}

// Deserialize converts Salesys WebSocket JSON data to frames
func (s *SalesysFrameSerializer) Deserialize(data interface{}) (frames.Frame, error) {
	jsonData, ok := data.(string)
	if !ok {
		if bytes, ok := data.([]byte); ok {
			jsonData = string(bytes)
		} else {
			return nil, fmt.Errorf("expected string or []byte, got %T", data)
		}
	}

	var msg salesysMessage
	if err := json.Unmarshal([]byte(jsonData), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal media message: %w", err)
	}

	if msg.CallID != "" {
		s.callID = msg.CallID
	}

	switch msg.Event {
	case "start":
		if msg.Start != nil {
			s.caller = msg.Start.Caller
			s.called = msg.Start.Called
			if msg.Start.MediaFormat != nil {
				s.setCodec(msg.Start.MediaFormat.Encoding)
			}
		}
		startFrame := frames.NewStartFrame(s.caller, s.called)
		startFrame.SetCallID(s.callID)
		return startFrame, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("media event missing media data")
		}

		audioData, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio payload: %w", err)
		}

		// Telephony leg is 8kHz mono in the codec the start event negotiated
		audioFrame := frames.NewAudioFrameWithCodec(audioData, 8000, 1, s.Codec())
		audioFrame.SetCallID(s.callID)
		return audioFrame, nil

	case "stop":
		endFrame := frames.NewEndFrame()
		endFrame.SetCallID(s.callID)
		return endFrame, nil

	default:
		// Unknown event, ignore
		return nil, nil
	}
}

// Cleanup releases any resources (none for the Salesys serializer)
func (s *SalesysFrameSerializer) Cleanup() error {
	return nil
}

// CallID returns the call this serializer is bound to
func (s *SalesysFrameSerializer) CallID() string {
	return s.callID
}

// Caller returns the caller number seen in the start event
func (s *SalesysFrameSerializer) Caller() string {
	return s.caller
}

// Codec returns the wire codec negotiated in the start event. Defaults to
// mulaw until a start event says otherwise.
func (s *SalesysFrameSerializer) Codec() string {
	s.codecMu.Lock()
	defer s.codecMu.Unlock()
	return s.codec
}

// setCodec maps the provider's encoding name onto a converter codec.
// Unrecognized encodings keep the mulaw default.
func (s *SalesysFrameSerializer) setCodec(encoding string) {
	var codec string
	switch encoding {
	case "mulaw", "ulaw", "PCMU", "audio/x-mulaw":
		codec = "mulaw"
	case "alaw", "PCMA", "audio/x-alaw":
		codec = "alaw"
	default:
		return
	}
	s.codecMu.Lock()
	s.codec = codec
	s.codecMu.Unlock()
}
