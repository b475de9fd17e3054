package session

import (
	"context"

	"github.com/vaxel-labs/callbridge-ai/src/audio"
	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/processors"
)

// BargeInProcessor watches caller audio while agent audio is playing and
// raises an InterruptionFrame when the caller starts speaking over it. The
// sink is cleared immediately here so playback cuts off within one frame;
// the InterruptionFrame then travels the chain so the relays can reset
// their utterance state.
type BargeInProcessor struct {
	*processors.BaseProcessor

	detector *audio.SpeechDetector
	sink     *audio.Sink
}

// NewBargeInProcessor creates a barge-in detector over the given sink
func NewBargeInProcessor(sink *audio.Sink, params *audio.SpeechDetectorParams) *BargeInProcessor {
	p := &BargeInProcessor{
		detector: audio.NewSpeechDetector(params),
		sink:     sink,
	}
	p.BaseProcessor = processors.NewBaseProcessor("BargeIn", p)

	// Each playback burst gets a fresh detection window so residue from
	// earlier caller speech cannot trigger an instant cut
	sink.OnPlayback(func(playing bool) {
		if playing {
			p.detector.Reset()
		}
	})
	return p
}

func (p *BargeInProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	audioFrame, ok := frame.(*frames.AudioFrame)
	if !ok || direction != frames.Downstream {
		return p.PushFrame(frame, direction)
	}

	if !p.sink.IsPlaying() {
		p.detector.Reset()
		return p.PushFrame(frame, direction)
	}

	p.detector.Append(audioFrame.Data)
	if p.detector.Speaking() {
		logger.Info("[BargeIn] Caller speaking over agent audio, cutting playback")
		p.sink.ClearBuffer()
		p.detector.Reset()
		if err := p.PushFrame(frames.NewUserStartedSpeakingFrame(), frames.Downstream); err != nil {
			return err
		}
		if err := p.PushFrame(frames.NewInterruptionFrame(), frames.Downstream); err != nil {
			return err
		}
	}

	return p.PushFrame(frame, direction)
}
