package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/processors"
	"github.com/vaxel-labs/callbridge-ai/src/services"
)

// Relay streams caller audio to the speech-to-text engine and turns the
// token stream coming back into transcript frames. One relay serves one
// call. State machine: idle -> streaming -> (endpoint flush) -> idle.
type Relay struct {
	*processors.BaseProcessor

	cfg  Config
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	buffer *TranscriptBuffer

	connMu      sync.Mutex // protects concurrent websocket writes
	lastAudioMu sync.Mutex
	lastAudioAt time.Time
}

// Config holds configuration for the speech-to-text relay
type Config struct {
	APIKey   string
	URL      string // engine endpoint, default wss://api.deepgram.com/v1/listen
	Language string // e.g., "sv-SE"
	Model    string // e.g., "nova-2"
	Encoding string // "linear16", "mulaw" or "alaw"

	SampleRate int // rate of the audio forwarded to the engine

	// ConnectTimeout bounds the websocket handshake. Exceeding it is
	// fatal to the session.
	ConnectTimeout time.Duration

	// SilenceKeepalive is how long the engine may go without audio
	// before a keepalive message is sent to hold the connection open.
	SilenceKeepalive time.Duration

	// EndpointSilence is the engine-side silence window that closes an
	// utterance and produces an endpoint marker.
	EndpointSilence time.Duration
}

var _ services.STTRelay = (*Relay)(nil)

// NewRelay creates a speech-to-text relay for one call
func NewRelay(cfg Config) *Relay {
	if cfg.URL == "" {
		cfg.URL = "wss://api.deepgram.com/v1/listen"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.SilenceKeepalive == 0 {
		cfg.SilenceKeepalive = 5 * time.Second
	}
	if cfg.EndpointSilence == 0 {
		cfg.EndpointSilence = time.Second
	}

	r := &Relay{
		cfg:    cfg,
		buffer: NewTranscriptBuffer(),
	}
	r.BaseProcessor = processors.NewBaseProcessor("STTRelay", r)
	return r
}

// Initialize connects to the engine. The handshake is bounded by
// ConnectTimeout; failure here means the call cannot be bridged.
func (r *Relay) Initialize(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	params := url.Values{}
	params.Set("language", r.cfg.Language)
	params.Set("model", r.cfg.Model)
	params.Set("encoding", r.cfg.Encoding)
	params.Set("sample_rate", strconv.Itoa(r.cfg.SampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("utterance_end_ms", strconv.FormatInt(r.cfg.EndpointSilence.Milliseconds(), 10))

	wsURL := fmt.Sprintf("%s?%s", r.cfg.URL, params.Encode())

	header := map[string][]string{
		"Authorization": {fmt.Sprintf("Token %s", r.cfg.APIKey)},
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.ConnectTimeout}
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to STT engine: %w", err)
	}
	r.conn = conn
	r.touchAudio()

	go r.receiveLoop()
	go r.keepaliveLoop()

	logger.Info("[STTRelay] Connected (model=%s, encoding=%s/%d)", r.cfg.Model, r.cfg.Encoding, r.cfg.SampleRate)
	return nil
}

// Cleanup closes the engine connection
func (r *Relay) Cleanup() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	return nil
}

// Finalize forces a flush outside normal endpoint detection. The engine is
// asked to finalize its side too so no confirmed tokens are lost later.
func (r *Relay) Finalize() error {
	if err := r.writeJSON(map[string]string{"type": "Finalize"}); err != nil {
		logger.Warn("[STTRelay] Error sending finalize: %v", err)
	}
	return r.flush()
}

func (r *Relay) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		r.connMu.Lock()
		if r.conn == nil {
			// Not connected, or the leg was torn down while this frame
			// was queued. Either way the audio has nowhere to go.
			r.connMu.Unlock()
			return nil
		}
		err := r.conn.WriteMessage(websocket.BinaryMessage, f.Data)
		r.connMu.Unlock()
		if err != nil {
			logger.Error("[STTRelay] Error sending audio: %v", err)
			return r.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		r.touchAudio()

		// Audio continues downstream until it terminates at the agent relay
		return r.PushFrame(frame, direction)

	case *frames.FinalizeFrame:
		return r.Finalize()

	case *frames.InterruptionFrame:
		// Ask the engine to close the current utterance so stale
		// fragments do not leak into the next turn
		if err := r.writeJSON(map[string]string{"type": "Finalize"}); err != nil {
			logger.Warn("[STTRelay] Error sending finalize on interruption: %v", err)
		}
		r.buffer.SetPending("")
		return r.PushFrame(frame, direction)

	case *frames.EndFrame, *frames.CancelFrame:
		if err := r.Cleanup(); err != nil {
			logger.Warn("[STTRelay] Error during cleanup: %v", err)
		}
		return r.PushFrame(frame, direction)
	}

	return r.PushFrame(frame, direction)
}

// tokenMessage is one engine message: either a token batch or an
// utterance-boundary sentinel
type tokenMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r *Relay) receiveLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		r.connMu.Lock()
		conn := r.conn
		r.connMu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug("[STTRelay] Connection closed")
				return
			}
			// Mid-session socket errors are not fatal on their own; the
			// session decides whether to continue silently or hang up.
			logger.Error("[STTRelay] Error reading message: %v", err)
			r.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			return
		}

		if err := r.handleTokenMessage(message); err != nil {
			logger.Warn("[STTRelay] Error handling message: %v", err)
		}
	}
}

// handleTokenMessage applies one engine message to the transcript buffer
// and emits the resulting partial update and, on an endpoint, the
// completed transcript
func (r *Relay) handleTokenMessage(message []byte) error {
	var msg tokenMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("parsing engine message: %w", err)
	}

	if msg.Type == "UtteranceEnd" {
		return r.flush()
	}

	var transcript string
	if len(msg.Channel.Alternatives) > 0 {
		transcript = msg.Channel.Alternatives[0].Transcript
	}

	if transcript != "" {
		if msg.IsFinal {
			r.buffer.AppendFinal(transcript)
			r.PushFrame(frames.NewTranscriptionFrame(transcript, true), frames.Downstream)
		} else {
			r.buffer.SetPending(transcript)
			r.PushFrame(frames.NewTranscriptionFrame(transcript, false), frames.Downstream)
		}

		if view := r.buffer.View(); view != "" {
			r.PushFrame(frames.NewTranscriptUpdateFrame(view), frames.Downstream)
		}
	}

	// speech_final marks the engine-detected utterance boundary
	if msg.IsFinal && msg.SpeechFinal {
		return r.flush()
	}
	return nil
}

// flush emits the completed transcript if anything was confirmed and
// resets the buffer either way
func (r *Relay) flush() error {
	text, ok := r.buffer.Flush()
	if !ok {
		return nil
	}
	logger.Info("[STTRelay] Utterance complete: %q", text)
	if err := r.PushFrame(frames.NewUserStoppedSpeakingFrame(), frames.Downstream); err != nil {
		return err
	}
	return r.PushFrame(frames.NewCompletedTranscriptFrame(text), frames.Downstream)
}

// keepaliveLoop holds the engine connection open across caller silence
func (r *Relay) keepaliveLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.lastAudioMu.Lock()
			idle := time.Since(r.lastAudioAt)
			r.lastAudioMu.Unlock()

			if idle < r.cfg.SilenceKeepalive {
				continue
			}
			if err := r.writeJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				logger.Warn("[STTRelay] Error sending keepalive: %v", err)
				return
			}
			r.touchAudio()
		}
	}
}

func (r *Relay) writeJSON(v interface{}) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("not connected")
	}
	return r.conn.WriteJSON(v)
}

func (r *Relay) touchAudio() {
	r.lastAudioMu.Lock()
	r.lastAudioAt = time.Now()
	r.lastAudioMu.Unlock()
}
