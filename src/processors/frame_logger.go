package processors

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
)

// FrameLogger logs the frames passing one point of a call pipeline. Debug
// tooling only; it never alters the stream.
type FrameLogger struct {
	*BaseProcessor
	logger       *logger.Logger
	ignoredTypes map[reflect.Type]bool
	logDirection bool
}

// FrameLoggerConfig configures the frame logger
type FrameLoggerConfig struct {
	// Prefix for log messages, e.g. the call id
	Prefix string

	// IgnoredFrameTypes are skipped entirely. Audio frames arrive every
	// 20ms, so they are the usual entry here.
	IgnoredFrameTypes []frames.Frame

	// LogDirection includes the frame direction in each line
	LogDirection bool

	// Logger instance to use (nil uses the default logger)
	Logger *logger.Logger
}

// NewFrameLogger creates a frame logger processor
func NewFrameLogger(config FrameLoggerConfig) *FrameLogger {
	if config.Prefix == "" {
		config.Prefix = "Frame"
	}

	log := config.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	fl := &FrameLogger{
		logger:       log.WithPrefix(config.Prefix),
		ignoredTypes: make(map[reflect.Type]bool),
		logDirection: config.LogDirection,
	}
	for _, frameType := range config.IgnoredFrameTypes {
		fl.ignoredTypes[reflect.TypeOf(frameType)] = true
	}

	fl.BaseProcessor = NewBaseProcessor("FrameLogger:"+config.Prefix, fl)
	return fl
}

// HandleFrame logs the frame and passes it through
func (fl *FrameLogger) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if frame == nil || reflect.ValueOf(frame).IsNil() {
		fl.logger.Warn("Received nil frame, skipping")
		return nil
	}

	if fl.ignoredTypes[reflect.TypeOf(frame)] {
		return fl.PushFrame(frame, direction)
	}

	if fl.logger.IsLevelEnabled(logger.DEBUG) {
		fl.logger.Debug("%s", fl.format(frame, direction))
	}

	return fl.PushFrame(frame, direction)
}

func (fl *FrameLogger) format(frame frames.Frame, direction frames.FrameDirection) string {
	prefix := ""
	if fl.logDirection {
		if direction == frames.Downstream {
			prefix = "-> "
		} else {
			prefix = "<- "
		}
	}

	switch f := frame.(type) {
	case *frames.AudioFrame:
		return fmt.Sprintf("%s%s bytes=%d rate=%d codec=%s", prefix, f.Name(), len(f.Data), f.SampleRate, f.Codec)
	case *frames.TranscriptionFrame:
		return fmt.Sprintf("%s%s final=%t text=%q", prefix, f.Name(), f.IsFinal, truncate(f.Text))
	case *frames.TranscriptUpdateFrame:
		return fmt.Sprintf("%s%s text=%q", prefix, f.Name(), truncate(f.Text))
	case *frames.CompletedTranscriptFrame:
		return fmt.Sprintf("%s%s text=%q", prefix, f.Name(), truncate(f.Text))
	case *frames.AgentTextFrame:
		return fmt.Sprintf("%s%s text=%q", prefix, f.Name(), truncate(f.Text))
	case *frames.ErrorFrame:
		return fmt.Sprintf("%s%s fatal=%t err=%v", prefix, f.Name(), f.Fatal, f.Error)
	case *frames.StartFrame:
		return fmt.Sprintf("%s%s caller=%s called=%s", prefix, f.Name(), f.Caller, f.Called)
	default:
		return fmt.Sprintf("%s%s", prefix, frame.Name())
	}
}

func truncate(s string) string {
	if len(s) > 50 {
		return s[:50] + "..."
	}
	return s
}
