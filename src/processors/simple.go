package processors

import (
	"context"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
)

// PassthroughProcessor forwards every frame unchanged. Useful as a chain
// placeholder and in pipeline tests.
type PassthroughProcessor struct {
	*BaseProcessor
	logFrames bool
}

func NewPassthroughProcessor(name string, logFrames bool) *PassthroughProcessor {
	pp := &PassthroughProcessor{
		logFrames: logFrames,
	}
	pp.BaseProcessor = NewBaseProcessor(name, pp)
	return pp
}

func (p *PassthroughProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.logFrames {
		logger.Debug("[%s] %s frame %s", p.name, direction, frame.Name())
	}
	return p.PushFrame(frame, direction)
}

// FuncProcessor runs a handler function for every frame. The handler is
// responsible for pushing the frame onward (or dropping it).
type FuncProcessor struct {
	*BaseProcessor
	handle func(p *FuncProcessor, frame frames.Frame, direction frames.FrameDirection) error
}

func NewFuncProcessor(name string, handle func(p *FuncProcessor, frame frames.Frame, direction frames.FrameDirection) error) *FuncProcessor {
	fp := &FuncProcessor{
		handle: handle,
	}
	fp.BaseProcessor = NewBaseProcessor(name, fp)
	return fp
}

func (p *FuncProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.handle == nil {
		return p.PushFrame(frame, direction)
	}
	return p.handle(p, frame, direction)
}
