package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/vaxel-labs/callbridge-ai/src/frames"
	"github.com/vaxel-labs/callbridge-ai/src/logger"
)

// Task orchestrates the execution of one call pipeline. Errors surfacing at
// either end of the chain are reported through OnError; the owning session
// decides whether they are survivable.
type Task struct {
	pipeline *Pipeline
	ctx      context.Context
	cancel   context.CancelFunc

	started  bool
	finished bool
	mu       sync.RWMutex

	onError func(err error, fatal bool)
}

// NewTask creates a task for the given pipeline
func NewTask(pipeline *Pipeline) *Task {
	task := &Task{
		pipeline: pipeline,
	}
	pipeline.Initialize(task)
	return task
}

// OnError sets a callback for errors escaping the pipeline
func (t *Task) OnError(callback func(err error, fatal bool)) {
	t.onError = callback
}

// QueueFrame feeds a frame into the head of the pipeline
func (t *Task) QueueFrame(frame frames.Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return fmt.Errorf("pipeline not started")
	}
	if t.finished {
		return fmt.Errorf("pipeline already finished")
	}

	return t.pipeline.QueueFrame(frame)
}

// Start starts the pipeline processors. It does not block; the pipeline
// runs until Cancel or an EndFrame/CancelFrame reaches the sink.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	if err := t.pipeline.Start(t.ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	return nil
}

// Stop cancels all processors and stops the pipeline. Safe to call more
// than once.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if err := t.pipeline.Stop(); err != nil {
		logger.Error("[PipelineTask] Error stopping pipeline: %v", err)
	}
}

// Finished reports whether the pipeline has been stopped
func (t *Task) Finished() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.finished
}

// handleDownstreamFrame handles frames that reach the sink
func (t *Task) handleDownstreamFrame(frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.EndFrame, *frames.CancelFrame:
		logger.Debug("[PipelineTask] %s reached sink, stopping", frame.Name())
		go t.Stop()

	case *frames.ErrorFrame:
		if t.onError != nil {
			t.onError(f.Error, f.Fatal)
		}
	}
	return nil
}

// handleUpstreamFrame handles frames escaping the head of the pipeline
func (t *Task) handleUpstreamFrame(frame frames.Frame) error {
	if errorFrame, ok := frame.(*frames.ErrorFrame); ok {
		if t.onError != nil {
			t.onError(errorFrame.Error, errorFrame.Fatal)
		}
	}
	return nil
}
