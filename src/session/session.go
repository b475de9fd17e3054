package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaxel-labs/callbridge-ai/src/audio"
	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/pipeline"
	"github.com/vaxel-labs/callbridge-ai/src/processors"
	"github.com/vaxel-labs/callbridge-ai/src/services/convai"
	"github.com/vaxel-labs/callbridge-ai/src/services/deepgram"
	"github.com/vaxel-labs/callbridge-ai/src/transports"
)

// State is the lifecycle phase of a call session
type State int

const (
	StateInitializing State = iota
	StateBridging
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateBridging:
		return "bridging"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds per-call session configuration
type Config struct {
	CallID string
	Caller string
	Called string

	// MaxDuration force-terminates runaway calls. Zero disables the cap.
	MaxDuration time.Duration

	STT   deepgram.Config
	Agent convai.Config

	// BargeIn tunes local speech detection; nil uses defaults
	BargeIn *audio.SpeechDetectorParams

	// RealtimeAudio paces sink playback at frame duration; disable in tests
	RealtimeAudio bool

	// DebugFrames inserts a frame logger into the pipeline
	DebugFrames bool
}

// Session bridges one telephone call to the conversational agent. It owns
// the media stream, the relay pipeline, the virtual audio sink and the
// teardown of all of them.
type Session struct {
	cfg       Config
	createdAt time.Time

	stream *transports.MediaStream
	sink   *audio.Sink
	stt    *deepgram.Relay
	agent  *convai.Relay
	task   *pipeline.Task

	transport *transports.MediaTransport

	stateMu sync.Mutex
	state   State

	maxTimer  *time.Timer
	closeOnce sync.Once

	// OnClosed fires exactly once after teardown completes, with the
	// reason the session ended. The pool uses it to release the slot.
	OnClosed func(s *Session, reason string)
}

// New builds a session and registers its media stream. The network legs
// are not opened until Start.
func New(cfg Config, transport *transports.MediaTransport) *Session {
	s := &Session{
		cfg:       cfg,
		createdAt: time.Now(),
		transport: transport,
		state:     StateInitializing,
	}

	s.stream = transport.Register(cfg.CallID)
	s.stream.OnDisconnect = func() {
		logger.Warn("[Session %s] Media stream dropped, treating as hangup", cfg.CallID)
		s.Close("media-disconnect")
	}

	s.sink = audio.NewSink(audio.SinkConfig{
		SampleRate: 8000,
		Codec:      "mulaw",
		Realtime:   cfg.RealtimeAudio,
	}, s.stream.WriteAudio)

	// Barge-in inspects linear PCM, so the telephony leg is decoded
	// before anything else sees it. The STT engine receives the same
	// linear stream.
	sttCfg := cfg.STT
	sttCfg.Encoding = "linear16"
	sttCfg.SampleRate = 8000
	s.stt = deepgram.NewRelay(sttCfg)

	s.agent = convai.NewRelay(cfg.Agent, s.sink)
	s.agent.OnReady = func() {
		s.setStateIf(StateBridging, StateActive)
		logger.Info("[Session %s] Active", cfg.CallID)
	}

	converter := audio.NewConverterProcessor(audio.ConverterConfig{
		OutputCodec:      "linear16",
		OutputSampleRate: 8000,
	})

	bargeIn := NewBargeInProcessor(s.sink, cfg.BargeIn)

	chain := []processors.FrameProcessor{s.stream.Input()}
	if cfg.DebugFrames {
		chain = append(chain, processors.NewFrameLogger(processors.FrameLoggerConfig{
			Prefix:            cfg.CallID,
			IgnoredFrameTypes: []frames.Frame{&frames.AudioFrame{}},
			LogDirection:      true,
		}))
	}
	chain = append(chain, converter, bargeIn, s.stt, s.agent)
	s.task = pipeline.NewTask(pipeline.NewPipeline(chain))
	s.task.OnError(s.handleError)

	// Playback transitions are surfaced into the pipeline so observers
	// (frame logger, future analytics) see when the agent talks
	s.sink.OnPlayback(func(playing bool) {
		var f frames.Frame
		if playing {
			f = frames.NewAgentStartedSpeakingFrame()
		} else {
			f = frames.NewAgentStoppedSpeakingFrame()
		}
		if err := s.task.QueueFrame(f); err != nil {
			logger.Debug("[Session %s] Dropping %s: %v", cfg.CallID, f.Name(), err)
		}
	})

	return s
}

// CallID returns the provider call identifier
func (s *Session) CallID() string { return s.cfg.CallID }

// Caller returns the caller number
func (s *Session) Caller() string { return s.cfg.Caller }

// CreatedAt returns when the session was built
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle phase
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Start opens both relay legs and begins bridging. Failure of either leg
// tears the session down.
func (s *Session) Start(ctx context.Context) error {
	if !s.setStateIf(StateInitializing, StateBridging) {
		return fmt.Errorf("session %s already started", s.cfg.CallID)
	}

	if err := s.task.Start(ctx); err != nil {
		s.Close("pipeline-start-failed")
		return fmt.Errorf("starting pipeline: %w", err)
	}

	if err := s.stt.Initialize(ctx); err != nil {
		s.Close("stt-connect-failed")
		return fmt.Errorf("connecting STT relay: %w", err)
	}

	if err := s.agent.Initialize(ctx); err != nil {
		s.Close("agent-connect-failed")
		return fmt.Errorf("connecting agent relay: %w", err)
	}

	if s.cfg.MaxDuration > 0 {
		s.maxTimer = time.AfterFunc(s.cfg.MaxDuration, func() {
			logger.Warn("[Session %s] Max duration %v reached, terminating",
				s.cfg.CallID, s.cfg.MaxDuration)
			s.Close("max-duration")
		})
	}

	logger.Info("[Session %s] Bridging call from %s", s.cfg.CallID, s.cfg.Caller)
	return nil
}

// SendContextualUpdate forwards out-of-band context to the agent
func (s *Session) SendContextualUpdate(updateType, text string) error {
	return s.agent.SendContextualUpdate(updateType, text)
}

// SendUserActivity signals caller activity (e.g. a DTMF press) to the agent
func (s *Session) SendUserActivity() error {
	return s.agent.SendUserActivity()
}

// AgentReady reports whether the agent handshake has completed
func (s *Session) AgentReady() bool {
	return s.agent.Ready()
}

// Hangup ends the call from our side
func (s *Session) Hangup(reason string) {
	s.Close(reason)
}

// Close tears the session down in a fixed order: agent leg first so no
// further audio arrives, then the sink, the STT leg, the media stream and
// finally the pipeline. Safe to call from any goroutine, any number of
// times.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateTerminating)
		logger.Info("[Session %s] Closing (%s)", s.cfg.CallID, reason)

		if s.maxTimer != nil {
			s.maxTimer.Stop()
		}

		if err := s.agent.Cleanup(); err != nil {
			logger.Warn("[Session %s] Error closing agent leg: %v", s.cfg.CallID, err)
		}
		s.sink.Close()
		if err := s.stt.Cleanup(); err != nil {
			logger.Warn("[Session %s] Error closing STT leg: %v", s.cfg.CallID, err)
		}
		s.transport.Unregister(s.cfg.CallID)
		s.task.Stop()

		s.setState(StateClosed)
		if s.OnClosed != nil {
			s.OnClosed(s, reason)
		}
	})
}

// handleError receives errors escaping the pipeline. Fatal ones end the
// call; the rest are logged and the call continues.
func (s *Session) handleError(err error, fatal bool) {
	if fatal {
		logger.Error("[Session %s] Fatal pipeline error: %v", s.cfg.CallID, err)
		go s.Close("fatal-error")
		return
	}
	logger.Warn("[Session %s] Pipeline error: %v", s.cfg.CallID, err)
}

// QueueFrame injects a frame at the head of the pipeline. Used by ingress
// for control frames like FinalizeFrame.
func (s *Session) QueueFrame(frame frames.Frame) error {
	return s.task.QueueFrame(frame)
}

func (s *Session) setState(next State) {
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()
}

func (s *Session) setStateIf(from, to State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}
