package session

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaxel-labs/callbridge-ai/src/audio"
	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/processors"
)

type frameRecorder struct {
	mu   sync.Mutex
	seen []frames.Frame
}

func (r *frameRecorder) processor() *processors.FuncProcessor {
	return processors.NewFuncProcessor("Recorder", func(p *processors.FuncProcessor, frame frames.Frame, direction frames.FrameDirection) error {
		r.mu.Lock()
		r.seen = append(r.seen, frame)
		r.mu.Unlock()
		return nil
	})
}

func (r *frameRecorder) countOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.seen {
		if f.Name() == name {
			n++
		}
	}
	return n
}

func loudFrame(samples int) *frames.AudioFrame {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(3277)))
	}
	return frames.NewAudioFrameWithCodec(data, 8000, 1, "linear16")
}

func startBargeIn(t *testing.T, sink *audio.Sink) (*BargeInProcessor, *frameRecorder) {
	t.Helper()

	p := NewBargeInProcessor(sink, &audio.SpeechDetectorParams{
		Threshold:  0.02,
		WindowSize: 10,
		MinFrames:  3,
	})
	rec := &frameRecorder{}
	next := rec.processor()
	p.Link(next)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, p.BaseProcessor.Start(ctx))
	require.NoError(t, next.Start(ctx))
	t.Cleanup(func() {
		_ = next.Stop()
		_ = p.BaseProcessor.Stop()
	})
	return p, rec
}

func TestCallerSpeechDuringPlaybackCutsAgentAudio(t *testing.T) {
	t.Parallel()

	sink := audio.NewSink(audio.SinkConfig{
		SampleRate: 8000,
		Codec:      "mulaw",
		Realtime:   true,
	}, func(*frames.AudioFrame) error { return nil })

	p, rec := startBargeIn(t, sink)

	// Two seconds of agent audio keeps the sink busy while caller frames arrive
	sink.Enqueue(frames.NewAudioFrameWithCodec(make([]byte, 16000), 8000, 1, "mulaw"))
	sink.Enqueue(frames.NewAudioFrameWithCodec(make([]byte, 16000), 8000, 1, "mulaw"))
	require.Eventually(t, sink.IsPlaying, time.Second, 5*time.Millisecond)

	for i := 0; i < 4; i++ {
		require.NoError(t, p.QueueFrame(loudFrame(160), frames.Downstream))
	}

	require.Eventually(t, func() bool {
		return rec.countOf("InterruptionFrame") >= 1
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, rec.countOf("UserStartedSpeakingFrame"), 1)
	assert.Equal(t, 0, sink.QueueDepth(), "queued agent audio is discarded on barge-in")

	// The caller audio itself still travels on to the transcription leg
	assert.GreaterOrEqual(t, rec.countOf("AudioFrame"), 4)
}

func TestCallerSpeechWhileAgentSilentPassesThrough(t *testing.T) {
	t.Parallel()

	sink := audio.NewSink(audio.SinkConfig{
		SampleRate: 8000,
		Codec:      "mulaw",
	}, func(*frames.AudioFrame) error { return nil })

	p, rec := startBargeIn(t, sink)

	for i := 0; i < 6; i++ {
		require.NoError(t, p.QueueFrame(loudFrame(160), frames.Downstream))
	}

	require.Eventually(t, func() bool {
		return rec.countOf("AudioFrame") == 6
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.countOf("InterruptionFrame"), "speech with no playback is not an interruption")
}
