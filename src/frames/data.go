package frames

import "fmt"

// DataFrame is the base for ordered payload frames
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

// AudioFrame is a fixed-format block of PCM samples. The payload is owned by
// whichever stage currently holds the frame and must not be mutated after
// construction.
type AudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
	Codec      string // "linear16", "mulaw" or "alaw"
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("AudioFrame"),
		},
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
		Codec:      "linear16",
	}
}

func NewAudioFrameWithCodec(data []byte, sampleRate, channels int, codec string) *AudioFrame {
	f := NewAudioFrame(data, sampleRate, channels)
	f.Codec = codec
	return f
}

// DurationSamples returns the number of samples the frame plays for
func (f *AudioFrame) DurationSamples() int {
	if f.Channels == 0 {
		return 0
	}
	bytesPerSample := 2
	if f.Codec == "mulaw" || f.Codec == "alaw" {
		bytesPerSample = 1
	}
	return len(f.Data) / bytesPerSample / f.Channels
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("AudioFrame[id=%d, bytes=%d, rate=%d, codec=%s]", f.ID(), len(f.Data), f.SampleRate, f.Codec)
}

// TranscriptionFrame carries one recognized token batch from the STT engine
type TranscriptionFrame struct {
	*DataFrame
	Text    string
	IsFinal bool
}

func NewTranscriptionFrame(text string, isFinal bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TranscriptionFrame"),
		},
		Text:    text,
		IsFinal: isFinal,
	}
}

// TranscriptUpdateFrame carries the current finalized+pending view of an
// utterance in progress. Revisable: a newer update supersedes older ones.
type TranscriptUpdateFrame struct {
	*DataFrame
	Text string
}

func NewTranscriptUpdateFrame(text string) *TranscriptUpdateFrame {
	return &TranscriptUpdateFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TranscriptUpdateFrame"),
		},
		Text: text,
	}
}

// CompletedTranscriptFrame carries one finished utterance, emitted exactly
// once per endpoint flush. Text is trimmed and never empty.
type CompletedTranscriptFrame struct {
	*DataFrame
	Text string
}

func NewCompletedTranscriptFrame(text string) *CompletedTranscriptFrame {
	return &CompletedTranscriptFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("CompletedTranscriptFrame"),
		},
		Text: text,
	}
}

// AgentTextFrame carries a text response from the agent service,
// surfaced for logging and analytics
type AgentTextFrame struct {
	*DataFrame
	Text string
}

func NewAgentTextFrame(text string) *AgentTextFrame {
	return &AgentTextFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("AgentTextFrame"),
		},
		Text: text,
	}
}
