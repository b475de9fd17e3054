package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Runner is a pre-warmed worker actor that executes the blocking setup
// work of one call at a time. All commands run on the runner's own
// goroutine, so a wedged setup makes the runner stop answering pings and
// the health monitor can replace it.
type Runner struct {
	id          string
	cmds        chan runnerCmd
	stop        chan struct{}
	destroyOnce sync.Once
}

type runnerCmdKind int

const (
	cmdPing runnerCmdKind = iota
	cmdRun
	cmdReset
)

type runnerCmd struct {
	kind  runnerCmdKind
	fn    func(ctx context.Context) error
	ctx   context.Context
	reply chan error
}

// NewRunner starts a warm runner
func NewRunner() *Runner {
	r := &Runner{
		id:   uuid.NewString(),
		cmds: make(chan runnerCmd),
		stop: make(chan struct{}),
	}
	go r.loop()
	return r
}

// ID returns the runner's unique identifier
func (r *Runner) ID() string {
	return r.id
}

func (r *Runner) loop() {
	for {
		select {
		case <-r.stop:
			return
		case cmd := <-r.cmds:
			switch cmd.kind {
			case cmdPing, cmdReset:
				cmd.reply <- nil
			case cmdRun:
				cmd.reply <- cmd.fn(cmd.ctx)
			}
		}
	}
}

// Ping verifies the runner is responsive within the timeout
func (r *Runner) Ping(timeout time.Duration) error {
	return r.send(runnerCmd{kind: cmdPing}, timeout)
}

// Run executes fn on the runner's goroutine and waits for it. The timeout
// bounds both queueing and execution.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return r.send(runnerCmd{kind: cmdRun, fn: fn, ctx: ctx}, timeout)
}

// Reset returns the runner to its warm state between calls. A runner that
// cannot reset in time is replaced rather than reused.
func (r *Runner) Reset(timeout time.Duration) error {
	return r.send(runnerCmd{kind: cmdReset}, timeout)
}

// Destroy stops the runner. A command already executing finishes first.
// Safe to call more than once.
func (r *Runner) Destroy() {
	r.destroyOnce.Do(func() {
		close(r.stop)
	})
}

func (r *Runner) send(cmd runnerCmd, timeout time.Duration) error {
	cmd.reply = make(chan error, 1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r.cmds <- cmd:
	case <-r.stop:
		return fmt.Errorf("runner %s destroyed", r.id)
	case <-timer.C:
		return fmt.Errorf("runner %s not accepting commands after %v", r.id, timeout)
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-timer.C:
		return fmt.Errorf("runner %s command timed out after %v", r.id, timeout)
	}
}
