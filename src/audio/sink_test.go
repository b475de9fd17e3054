package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
)

// frameRecorder captures everything the sink writes to the call leg
type frameRecorder struct {
	mu     sync.Mutex
	frames []*frames.AudioFrame
}

func (r *frameRecorder) write(f *frames.AudioFrame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *frameRecorder) last() *frames.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

func mulawFrame(ms int) *frames.AudioFrame {
	data := make([]byte, 8*ms) // 8 samples per ms at 8kHz
	for i := range data {
		data[i] = 0x12
	}
	return frames.NewAudioFrameWithCodec(data, 8000, 1, "mulaw")
}

func TestSinkPlaysInOrder(t *testing.T) {
	t.Parallel()

	rec := &frameRecorder{}
	sink := NewSink(SinkConfig{SampleRate: 8000, Codec: "mulaw"}, rec.write)

	first := mulawFrame(20)
	second := mulawFrame(20)
	sink.Enqueue(first)
	sink.Enqueue(second)

	require.Eventually(t, func() bool {
		return rec.count() == 2 && !sink.IsPlaying()
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Same(t, first, rec.frames[0])
	assert.Same(t, second, rec.frames[1])
}

func TestSinkBargeInClearsQueueAndSchedulesFiller(t *testing.T) {
	t.Parallel()

	rec := &frameRecorder{}
	sink := NewSink(SinkConfig{
		SampleRate:     8000,
		Codec:          "mulaw",
		FillerDuration: 40 * time.Millisecond,
		Realtime:       true,
	}, rec.write)

	// Long frames keep the sink playing while we interrupt it
	sink.Enqueue(mulawFrame(500))
	sink.Enqueue(mulawFrame(500))
	sink.Enqueue(mulawFrame(500))

	require.Eventually(t, func() bool { return sink.IsPlaying() && rec.count() >= 1 }, time.Second, time.Millisecond)
	written := rec.count()

	sink.ClearBuffer()
	assert.Equal(t, 0, sink.QueueDepth())

	// The next delivered frame is the silence filler, not a queued one
	require.Eventually(t, func() bool { return rec.count() > written }, time.Second, time.Millisecond)
	filler := rec.last()
	require.NotNil(t, filler)
	assert.Equal(t, "mulaw", filler.Codec)
	for _, b := range filler.Data {
		require.Equal(t, byte(0xFF), b, "filler must be mulaw silence")
	}

	require.Eventually(t, func() bool { return !sink.IsPlaying() }, time.Second, time.Millisecond)
	assert.False(t, sink.FillerScheduled())
}

func TestSinkCloseDiscardsWithoutFiller(t *testing.T) {
	t.Parallel()

	rec := &frameRecorder{}
	sink := NewSink(SinkConfig{SampleRate: 8000, Codec: "mulaw", Realtime: true}, rec.write)

	sink.Enqueue(mulawFrame(500))
	sink.Enqueue(mulawFrame(500))
	require.Eventually(t, func() bool { return sink.IsPlaying() }, time.Second, time.Millisecond)

	sink.Close()

	require.Eventually(t, func() bool { return !sink.IsPlaying() }, time.Second, time.Millisecond)
	assert.Equal(t, 0, sink.QueueDepth())

	// Nothing may be delivered after close, filler included
	after := rec.count()
	sink.Enqueue(mulawFrame(20))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, rec.count())
}

func TestSinkPlaybackNotifications(t *testing.T) {
	t.Parallel()

	rec := &frameRecorder{}
	sink := NewSink(SinkConfig{SampleRate: 8000, Codec: "mulaw"}, rec.write)

	var mu sync.Mutex
	var events []bool
	sink.OnPlayback(func(playing bool) {
		mu.Lock()
		events = append(events, playing)
		mu.Unlock()
	})

	sink.Enqueue(mulawFrame(20))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, events)
}
