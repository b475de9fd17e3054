package pipeline

import (
	"context"
	"fmt"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/processors"
)

// Source is the entry point for frames into the pipeline
type Source struct {
	*processors.BaseProcessor
	task *Task
}

func newSource(task *Task) *Source {
	s := &Source{
		task: task,
	}
	s.BaseProcessor = processors.NewBaseProcessor("PipelineSource", s)
	return s
}

func (p *Source) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Upstream {
		// Frames going upstream out of the pipeline go to the task
		if p.task != nil {
			return p.task.handleUpstreamFrame(frame)
		}
		return nil
	}

	// Downstream frames just pass through
	return p.PushFrame(frame, direction)
}

// Sink is the exit point for frames from the pipeline
type Sink struct {
	*processors.BaseProcessor
	task *Task
}

func newSink(task *Task) *Sink {
	s := &Sink{
		task: task,
	}
	s.BaseProcessor = processors.NewBaseProcessor("PipelineSink", s)
	return s
}

func (p *Sink) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Downstream {
		// Frames reaching the end of the pipeline are handled by the task
		if p.task != nil {
			return p.task.handleDownstreamFrame(frame)
		}
		return nil
	}

	// Upstream frames pass back through
	return p.PushFrame(frame, direction)
}

// Pipeline connects the processors of one call session in a linear chain
type Pipeline struct {
	processors []processors.FrameProcessor
	source     *Source
	sink       *Sink
}

// NewPipeline creates a new pipeline with the given processors
func NewPipeline(procs []processors.FrameProcessor) *Pipeline {
	return &Pipeline{
		processors: procs,
	}
}

// Initialize sets up the pipeline with source and sink
func (p *Pipeline) Initialize(task *Task) error {
	p.source = newSource(task)
	p.sink = newSink(task)

	// Build the chain: source -> processors -> sink
	chain := []processors.FrameProcessor{p.source}
	chain = append(chain, p.processors...)
	chain = append(chain, p.sink)

	for i := 0; i < len(chain)-1; i++ {
		chain[i].Link(chain[i+1])
	}

	logger.Debug("[Pipeline] Initialized with %d processors", len(p.processors))
	return nil
}

// Start begins processing in all processors
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}

	for _, proc := range p.processors {
		if err := proc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processor %s: %w", proc.Name(), err)
		}
	}

	if err := p.sink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}

	logger.Debug("[Pipeline] Started all processors")
	return nil
}

// Stop gracefully stops all processors in reverse order
func (p *Pipeline) Stop() error {
	if err := p.sink.Stop(); err != nil {
		logger.Error("[Pipeline] Error stopping sink: %v", err)
	}

	for i := len(p.processors) - 1; i >= 0; i-- {
		if err := p.processors[i].Stop(); err != nil {
			logger.Error("[Pipeline] Error stopping processor %s: %v", p.processors[i].Name(), err)
		}
	}

	if err := p.source.Stop(); err != nil {
		logger.Error("[Pipeline] Error stopping source: %v", err)
	}

	logger.Debug("[Pipeline] Stopped all processors")
	return nil
}

// QueueFrame queues a frame at the source of the pipeline
func (p *Pipeline) QueueFrame(frame frames.Frame) error {
	return p.source.QueueFrame(frame, frames.Downstream)
}
