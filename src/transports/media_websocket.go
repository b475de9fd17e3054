package transports

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vaxel-labs/callbridge-ai/src/audio"
	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/processors"
	"github.com/vaxel-labs/callbridge-ai/src/serializers"
)

// MediaTransport accepts media-stream WebSocket connections from the
// telephony provider at /media/{callId} and routes each one to the stream
// a session registered for that call. A connection for an unregistered
// call is refused.
type MediaTransport struct {
	upgrader websocket.Upgrader

	streamMu sync.RWMutex
	streams  map[string]*MediaStream
}

// NewMediaTransport creates a transport with no registered streams
func NewMediaTransport() *MediaTransport {
	return &MediaTransport{
		streams: make(map[string]*MediaStream),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Provider endpoints are IP-allowlisted in front of us
				return true
			},
		},
	}
}

// Register creates the media stream for a call before the provider
// connects. Registering the same call twice replaces the old stream.
func (t *MediaTransport) Register(callID string) *MediaStream {
	s := newMediaStream(callID)
	t.streamMu.Lock()
	t.streams[callID] = s
	t.streamMu.Unlock()
	return s
}

// Unregister removes and closes the stream for a call
func (t *MediaTransport) Unregister(callID string) {
	t.streamMu.Lock()
	s, ok := t.streams[callID]
	delete(t.streams, callID)
	t.streamMu.Unlock()
	if ok {
		s.Close()
	}
}

// Stream returns the registered stream for a call, if any
func (t *MediaTransport) Stream(callID string) (*MediaStream, bool) {
	t.streamMu.RLock()
	defer t.streamMu.RUnlock()
	s, ok := t.streams[callID]
	return s, ok
}

// HandleWebSocket upgrades a provider connection. The call id is the last
// path segment: /media/{callId}.
func (t *MediaTransport) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimPrefix(r.URL.Path, "/media/")
	if callID == "" || strings.Contains(callID, "/") {
		http.Error(w, "missing call id", http.StatusNotFound)
		return
	}

	stream, ok := t.Stream(callID)
	if !ok {
		logger.Warn("[MediaWS] Connection for unknown call %s refused", callID)
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("[MediaWS] Failed to upgrade connection: %v", err)
		return
	}

	logger.Info("[MediaWS] Media stream connected for call %s (%s)", callID, r.RemoteAddr)
	stream.attach(conn)
}

// MediaStream is the two-way media leg of one call. Inbound audio is
// deserialized into frames and queued on the input processor; outbound
// audio is written through WriteAudio, typically as the sink's WriteFunc.
type MediaStream struct {
	callID     string
	serializer *serializers.SalesysFrameSerializer
	input      *MediaInputProcessor

	connMu sync.Mutex
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	// OnDisconnect fires when the provider drops the socket before a
	// stop event. The session treats it as a hangup.
	OnDisconnect func()

	closeOnce sync.Once
}

func newMediaStream(callID string) *MediaStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MediaStream{
		callID:     callID,
		serializer: serializers.NewSalesysFrameSerializer(callID),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.input = newMediaInputProcessor(s)
	return s
}

// Input returns the processor that emits inbound call audio frames
func (s *MediaStream) Input() processors.FrameProcessor {
	return s.input
}

// CallID returns the call this stream belongs to
func (s *MediaStream) CallID() string {
	return s.callID
}

// Connected reports whether the provider socket is attached
func (s *MediaStream) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

func (s *MediaStream) attach(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn != nil {
		// A reconnect replaces the previous socket
		s.conn.Close()
	}
	s.conn = conn
	s.connMu.Unlock()

	go s.receiveLoop(conn)
}

func (s *MediaStream) receiveLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		s.connMu.Lock()
		dropped := s.conn == conn
		if dropped {
			s.conn = nil
		}
		s.connMu.Unlock()

		select {
		case <-s.ctx.Done():
			// Stream was closed locally, not a provider drop
		default:
			if dropped && s.OnDisconnect != nil {
				s.OnDisconnect()
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("[MediaWS] Read error on call %s: %v", s.callID, err)
			}
			return
		}

		frame, err := s.serializer.Deserialize(message)
		if err != nil {
			logger.Warn("[MediaWS] Error parsing message on call %s: %v", s.callID, err)
			continue
		}
		if frame == nil {
			continue
		}

		if err := s.input.QueueFrame(frame, frames.Downstream); err != nil {
			logger.Warn("[MediaWS] Error queuing %s on call %s: %v", frame.Name(), s.callID, err)
		}

		if _, ok := frame.(*frames.EndFrame); ok {
			// A stop event ends the media leg cleanly
			s.cancel()
			return
		}
	}
}

// WriteAudio sends one frame of agent audio to the caller, converting to
// the 8kHz telephony codec the start event negotiated. Frames arriving
// while the socket is down are dropped; the caller simply hears silence.
func (s *MediaStream) WriteAudio(frame *frames.AudioFrame) error {
	codec := s.serializer.Codec()
	data := frame.Data
	if frame.Codec != codec || frame.SampleRate != 8000 {
		converted, err := audio.Convert(data, frame.Codec, frame.SampleRate, codec, 8000)
		if err != nil {
			return fmt.Errorf("failed to convert outbound audio: %w", err)
		}
		data = converted
	}

	out := frames.NewAudioFrameWithCodec(data, 8000, 1, codec)
	out.SetCallID(s.callID)
	payload, err := s.serializer.Serialize(out)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(payload.(string)))
}

// SendClear asks the provider to drop any audio buffered on its side
func (s *MediaStream) SendClear() error {
	payload, err := s.serializer.Serialize(frames.NewInterruptionFrame())
	if err != nil {
		return err
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(payload.(string)))
}

// Close tears down the stream and its socket
func (s *MediaStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()
	})
}

// MediaInputProcessor is the pipeline entry point for inbound call audio
type MediaInputProcessor struct {
	*processors.BaseProcessor
	stream *MediaStream
}

func newMediaInputProcessor(stream *MediaStream) *MediaInputProcessor {
	p := &MediaInputProcessor{
		stream: stream,
	}
	p.BaseProcessor = processors.NewBaseProcessor("MediaInput", p)
	return p
}

func (p *MediaInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	return p.PushFrame(frame, direction)
}
