package audio

import (
	"sync"
	"time"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
)

// WriteFunc delivers one audio frame to the outbound call leg
type WriteFunc func(frame *frames.AudioFrame) error

// SinkConfig holds configuration for the virtual audio sink
type SinkConfig struct {
	SampleRate     int           // playback rate of the outbound leg
	Channels       int           // defaults to 1
	Codec          string        // codec of filler frames ("linear16", "mulaw", "alaw")
	FillerDuration time.Duration // silence appended after a barge-in cut (default 40ms)
	Realtime       bool          // pace playback at frame duration; disable in tests
}

// Sink buffers synthesized agent audio and plays it into the call leg
// strictly in FIFO order. Each frame plays to completion before the next
// starts. ClearBuffer implements barge-in: the in-flight frame is cut off
// hard and a short silence frame masks the click.
type Sink struct {
	cfg   SinkConfig
	write WriteFunc

	mu            sync.Mutex
	queue         []*frames.AudioFrame
	playing       bool
	pendingFiller bool
	abort         chan struct{}
	closed        bool

	onPlayback []func(playing bool)
}

// NewSink creates a sink that delivers frames through write
func NewSink(cfg SinkConfig, write WriteFunc) *Sink {
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Codec == "" {
		cfg.Codec = "linear16"
	}
	if cfg.FillerDuration == 0 {
		cfg.FillerDuration = 40 * time.Millisecond
	}
	return &Sink{
		cfg:   cfg,
		write: write,
		abort: make(chan struct{}),
	}
}

// OnPlayback registers a callback invoked when playback starts and stops.
// Callbacks run outside the sink lock, in registration order.
func (s *Sink) OnPlayback(fn func(playing bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPlayback = append(s.onPlayback, fn)
}

func notifyPlayback(cbs []func(bool), playing bool) {
	for _, cb := range cbs {
		cb(playing)
	}
}

// Enqueue appends a frame to the playback queue and starts playback
// if nothing is currently playing
func (s *Sink) Enqueue(frame *frames.AudioFrame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, frame)
	start := !s.playing
	if start {
		s.playing = true
	}
	cbs := s.onPlayback
	s.mu.Unlock()

	if start {
		notifyPlayback(cbs, true)
		go s.playLoop()
	}
}

// ClearBuffer stops the in-flight frame immediately, discards everything
// queued and schedules a short silence frame so the cut is not audible
// as a click. This is the barge-in path.
func (s *Sink) ClearBuffer() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	discarded := len(s.queue)
	s.queue = nil
	s.pendingFiller = true
	close(s.abort)
	s.abort = make(chan struct{})
	start := !s.playing
	if start {
		s.playing = true
	}
	cbs := s.onPlayback
	s.mu.Unlock()

	logger.Debug("[AudioSink] Cleared buffer, discarded %d frames", discarded)

	if start {
		notifyPlayback(cbs, true)
		go s.playLoop()
	}
}

// IsPlaying reports whether the sink is currently delivering audio
func (s *Sink) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// QueueDepth returns the number of frames waiting behind the one playing,
// not counting a scheduled silence filler
func (s *Sink) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// FillerScheduled reports whether a barge-in silence frame is still pending
func (s *Sink) FillerScheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingFiller
}

// Close halts playback without filler and drops everything queued.
// In-flight audio after hangup is discarded, not delivered.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.pendingFiller = false
	close(s.abort)
	s.mu.Unlock()
}

func (s *Sink) playLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.playing = false
			s.mu.Unlock()
			return
		}

		var frame *frames.AudioFrame
		if s.pendingFiller {
			frame = s.fillerFrame()
			s.pendingFiller = false
		} else if len(s.queue) > 0 {
			frame = s.queue[0]
			s.queue = s.queue[1:]
		} else {
			s.playing = false
			cbs := s.onPlayback
			s.mu.Unlock()
			notifyPlayback(cbs, false)
			return
		}
		abort := s.abort
		s.mu.Unlock()

		if err := s.write(frame); err != nil {
			logger.Warn("[AudioSink] Error writing frame: %v", err)
		}

		if s.cfg.Realtime {
			// A frame occupies the leg for its own duration; the completion
			// of this wait chains into the next queued frame.
			duration := time.Duration(frame.DurationSamples()) * time.Second / time.Duration(frame.SampleRate)
			select {
			case <-time.After(duration):
			case <-abort:
			}
		}
	}
}

// fillerFrame builds a codec-appropriate block of silence
func (s *Sink) fillerFrame() *frames.AudioFrame {
	samples := int(s.cfg.FillerDuration.Seconds() * float64(s.cfg.SampleRate) * float64(s.cfg.Channels))
	var data []byte
	switch normalizeCodecName(s.cfg.Codec) {
	case "mulaw":
		data = make([]byte, samples)
		for i := range data {
			data[i] = 0xFF // mulaw encoding of zero
		}
	case "alaw":
		data = make([]byte, samples)
		for i := range data {
			data[i] = 0x55 // alaw encoding of zero
		}
	default:
		data = make([]byte, samples*2)
	}
	return frames.NewAudioFrameWithCodec(data, s.cfg.SampleRate, s.cfg.Channels, s.cfg.Codec)
}
