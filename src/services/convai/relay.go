package convai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaxel-labs/callbridge-ai/src/audio"
	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/processors"
	"github.com/vaxel-labs/callbridge-ai/src/services"
)

// Relay state. Audio and text must not be sent before stateReady.
type relayState int32

const (
	stateConnecting relayState = iota
	stateAwaitingClientDataAck
	stateReady
	stateClosed
)

// Config holds configuration for the agent relay
type Config struct {
	URL     string // agent service endpoint
	APIKey  string
	AgentID string

	// CustomVariables are caller-supplied values forwarded in the
	// client-data handshake message.
	CustomVariables map[string]string

	// ConnectTimeout bounds the full handshake, not just the dial.
	// Exceeding it is fatal to the session.
	ConnectTimeout time.Duration

	// OutputSampleRate is the PCM rate of agent audio, used when the
	// service does not announce a format in its initiation metadata.
	OutputSampleRate int
}

// Relay drives the conversation protocol with the AI agent service for one
// call: finalized transcripts out, agent text and audio back. Agent audio
// goes straight to the virtual sink; an interruption event (or a local
// barge-in, delivered as an InterruptionFrame) clears it.
type Relay struct {
	*processors.BaseProcessor

	cfg  Config
	sink *audio.Sink

	conn   *websocket.Conn
	connMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	stateMu        sync.Mutex
	state          relayState
	conversationID string
	outputRate     int

	// OnAgentText surfaces agent responses to observers (logging,
	// analytics). Optional.
	OnAgentText func(text string)

	// OnReady fires once when the handshake completes. Optional.
	OnReady func()
}

var _ services.AgentRelay = (*Relay)(nil)

// NewRelay creates an agent relay that plays received audio into sink
func NewRelay(cfg Config, sink *audio.Sink) *Relay {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.OutputSampleRate == 0 {
		cfg.OutputSampleRate = 16000
	}
	r := &Relay{
		cfg:        cfg,
		sink:       sink,
		state:      stateConnecting,
		outputRate: cfg.OutputSampleRate,
	}
	r.BaseProcessor = processors.NewBaseProcessor("AgentRelay", r)
	return r
}

// Initialize opens the agent connection and starts the handshake. The
// handshake completes asynchronously; a watchdog turns a stalled one into
// a fatal session error after ConnectTimeout.
func (r *Relay) Initialize(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	header := http.Header{}
	if r.cfg.APIKey != "" {
		header.Set("xi-api-key", r.cfg.APIKey)
	}

	wsURL := r.cfg.URL
	if r.cfg.AgentID != "" {
		wsURL = fmt.Sprintf("%s?agent_id=%s", r.cfg.URL, r.cfg.AgentID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.cfg.ConnectTimeout}
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to agent service: %w", err)
	}
	r.conn = conn

	go r.receiveLoop()
	go r.handshakeWatchdog()

	logger.Info("[AgentRelay] Connected, awaiting initiation metadata")
	return nil
}

// Cleanup closes the agent connection without treating the close as an error
func (r *Relay) Cleanup() error {
	r.setState(stateClosed)
	if r.cancel != nil {
		r.cancel()
	}
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil {
		r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.conn.Close()
		r.conn = nil
	}
	return nil
}

// Ready reports whether the handshake has completed
func (r *Relay) Ready() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state == stateReady
}

// SendTranscript dispatches one completed user turn. No-op when the relay
// is not ready or the text is blank after trimming.
func (r *Relay) SendTranscript(text string) error {
	text = strings.TrimSpace(text)
	if text == "" || !r.Ready() {
		return nil
	}
	logger.Info("[AgentRelay] User turn: %q", text)
	return r.writeJSON(userMessage{Type: "user_message", Text: text})
}

// SendContextualUpdate passes a side-channel message to the agent,
// independent of turn-taking
func (r *Relay) SendContextualUpdate(updateType, text string) error {
	if !r.Ready() {
		return nil
	}
	payload := text
	if updateType != "" {
		payload = updateType + ": " + text
	}
	return r.writeJSON(contextualUpdate{Type: "contextual_update", Text: payload})
}

// SendUserActivity signals caller activity so the agent does not time out
func (r *Relay) SendUserActivity() error {
	if !r.Ready() {
		return nil
	}
	return r.writeJSON(userActivity{Type: "user_activity"})
}

func (r *Relay) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.CompletedTranscriptFrame:
		if err := r.SendTranscript(f.Text); err != nil {
			logger.Error("[AgentRelay] Error sending transcript: %v", err)
			return r.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		return r.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		// Local barge-in already decided upstream; cut agent playback now
		r.sink.ClearBuffer()
		return r.PushFrame(frame, direction)

	case *frames.AudioFrame:
		// Caller audio terminates here; it was only needed upstream
		return nil

	case *frames.EndFrame, *frames.CancelFrame:
		if err := r.Cleanup(); err != nil {
			logger.Warn("[AgentRelay] Error during cleanup: %v", err)
		}
		return r.PushFrame(frame, direction)
	}

	return r.PushFrame(frame, direction)
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

		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if r.currentState() == stateClosed ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				logger.Debug("[AgentRelay] Connection closed")
				return
			}
			// The call cannot continue without the agent connection
			logger.Error("[AgentRelay] Connection lost: %v", err)
			r.PushFrame(frames.NewFatalErrorFrame(fmt.Errorf("agent connection lost: %w", err)), frames.Upstream)
			return
		}

		if msgType == websocket.BinaryMessage {
			// Raw PCM frame, no JSON envelope
			r.enqueueAgentAudio(message)
			continue
		}

		if err := r.handleServerMessage(message); err != nil {
			logger.Warn("[AgentRelay] Error handling message: %v", err)
		}
	}
}

// handleServerMessage processes one JSON event from the agent service
func (r *Relay) handleServerMessage(message []byte) error {
	var msg serverMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("parsing agent message: %w", err)
	}

	switch msg.Type {
	case "conversation_initiation_metadata":
		if msg.InitiationMetadata != nil {
			r.stateMu.Lock()
			r.conversationID = msg.InitiationMetadata.ConversationID
			if rate, ok := parseAudioFormat(msg.InitiationMetadata.AgentOutputAudioFormat); ok {
				r.outputRate = rate
			}
			r.stateMu.Unlock()
		}
		if err := r.writeJSON(clientData{
			Type:             "conversation_initiation_client_data",
			DynamicVariables: r.cfg.CustomVariables,
		}); err != nil {
			return fmt.Errorf("sending client data: %w", err)
		}
		r.setState(stateAwaitingClientDataAck)
		logger.Debug("[AgentRelay] Sent client data (conversation=%s)", r.conversationID)

	case "conversation_initiation_ack":
		r.markReady()

	case "ping":
		// A ping doubles as the readiness acknowledgment
		r.markReady()
		if msg.Ping != nil {
			if err := r.writeJSON(pong{Type: "pong", EventID: msg.Ping.EventID}); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		}

	case "agent_response":
		if msg.AgentResponse != nil {
			logger.Info("[AgentRelay] Agent: %q", msg.AgentResponse.AgentResponse)
			r.PushFrame(frames.NewAgentTextFrame(msg.AgentResponse.AgentResponse), frames.Downstream)
			if r.OnAgentText != nil {
				r.OnAgentText(msg.AgentResponse.AgentResponse)
			}
		}

	case "audio":
		if msg.Audio != nil {
			data, err := base64.StdEncoding.DecodeString(msg.Audio.AudioBase64)
			if err != nil {
				return fmt.Errorf("decoding agent audio: %w", err)
			}
			r.enqueueAgentAudio(data)
		}

	case "interruption":
		// The service detected caller barge-in upstream of us
		logger.Debug("[AgentRelay] Interruption signaled by service")
		r.sink.ClearBuffer()

	default:
		logger.Debug("[AgentRelay] Ignoring message type %q", msg.Type)
	}

	return nil
}

func (r *Relay) enqueueAgentAudio(pcm []byte) {
	r.stateMu.Lock()
	rate := r.outputRate
	r.stateMu.Unlock()
	r.sink.Enqueue(frames.NewAudioFrame(pcm, rate, 1))
}

// handshakeWatchdog turns a stalled handshake into a fatal session error
func (r *Relay) handshakeWatchdog() {
	timer := time.NewTimer(r.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-r.ctx.Done():
	case <-timer.C:
		if !r.Ready() && r.currentState() != stateClosed {
			logger.Error("[AgentRelay] Handshake timed out after %v", r.cfg.ConnectTimeout)
			r.PushFrame(frames.NewFatalErrorFrame(fmt.Errorf("agent handshake timeout")), frames.Upstream)
		}
	}
}

func (r *Relay) markReady() {
	r.stateMu.Lock()
	became := false
	if r.state == stateAwaitingClientDataAck {
		r.state = stateReady
		became = true
	}
	conversationID := r.conversationID
	r.stateMu.Unlock()

	if became {
		logger.Info("[AgentRelay] Session ready (conversation=%s)", conversationID)
		if r.OnReady != nil {
			r.OnReady()
		}
	}
}

func (r *Relay) setState(s relayState) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

func (r *Relay) currentState() relayState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Relay) writeJSON(v interface{}) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("not connected")
	}
	return r.conn.WriteJSON(v)
}

// parseAudioFormat extracts the sample rate from formats like "pcm_16000"
func parseAudioFormat(format string) (int, bool) {
	if !strings.HasPrefix(format, "pcm_") {
		return 0, false
	}
	var rate int
	if _, err := fmt.Sscanf(format, "pcm_%d", &rate); err != nil {
		return 0, false
	}
	return rate, true
}
