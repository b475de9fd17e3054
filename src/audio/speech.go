package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// SpeechDetector flags caller speech from the RMS volume of incoming
// linear PCM frames. It drives local barge-in detection: when the caller
// speaks while the sink is playing, agent audio must be cut off.
type SpeechDetector struct {
	threshold  float64 // RMS volume threshold (0.0 - 1.0)
	windowSize int     // number of recent frames to analyze
	minFrames  int     // frames above threshold required to trigger

	mu          sync.Mutex
	volumes     []float64
	framesAbove int
}

// SpeechDetectorParams holds configuration for speech detection
type SpeechDetectorParams struct {
	Threshold  float64 // RMS volume threshold (default: 0.02)
	WindowSize int     // frames to analyze (default: 10)
	MinFrames  int     // min frames above threshold (default: 3)
}

// NewSpeechDetector creates a new RMS-based speech detector
func NewSpeechDetector(params *SpeechDetectorParams) *SpeechDetector {
	if params == nil {
		params = &SpeechDetectorParams{
			Threshold:  0.02,
			WindowSize: 10,
			MinFrames:  3,
		}
	}
	return &SpeechDetector{
		threshold:  params.Threshold,
		windowSize: params.WindowSize,
		minFrames:  params.MinFrames,
		volumes:    make([]float64, 0, params.WindowSize),
	}
}

// Append analyzes one linear PCM frame and updates the rolling window
func (d *SpeechDetector) Append(audio []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.volumes = append(d.volumes, calculateRMS(audio))
	if len(d.volumes) > d.windowSize {
		d.volumes = d.volumes[1:]
	}

	d.framesAbove = 0
	for _, vol := range d.volumes {
		if vol > d.threshold {
			d.framesAbove++
		}
	}
}

// Speaking reports whether the caller is currently speaking
func (d *SpeechDetector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.volumes) < d.minFrames {
		return false
	}
	return d.framesAbove >= d.minFrames
}

// Reset clears the volume history
func (d *SpeechDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.volumes = d.volumes[:0]
	d.framesAbove = 0
}

// calculateRMS computes the root mean square volume of 16-bit
// little-endian PCM samples, normalized to [0, 1]
func calculateRMS(audio []byte) float64 {
	if len(audio) == 0 {
		return 0.0
	}

	var sumSquares float64
	numSamples := 0

	for i := 0; i+1 < len(audio); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(audio[i : i+2]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
		numSamples++
	}

	if numSamples == 0 {
		return 0.0
	}

	return math.Sqrt(sumSquares / float64(numSamples))
}
