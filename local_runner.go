package quill

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LocalRunner runs an Engine's workers in background goroutines. It is meant
// for local development, tests, the CLI and simple single-process
// deployments.
//
// Typical usage:
//
//	eng, _ := quill.NewInMemoryEngine(quill.Options{})
//	runner := quill.NewLocalRunner(eng)
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	id, _ := eng.StartWorkflow(ctx, quill.TaskFullPipeline, artifacts)
//	st, _ := runner.Await(ctx, id)
type LocalRunner struct {
	Engine *Engine

	// PollInterval is how often Await re-reads workflow state.
	PollInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	running bool
}

// NewLocalRunner wraps eng. Workers are not started until Start.
func NewLocalRunner(eng *Engine) *LocalRunner {
	return &LocalRunner{Engine: eng, PollInterval: 20 * time.Millisecond}
}

// Start launches the engine's worker pool. Calling Start twice without Stop
// returns an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("quill: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan error, 1)
	r.running = true

	done := r.done
	go func() {
		done <- r.Engine.Run(ctx)
	}()
	return nil
}

// Stop cancels the worker pool and waits for it to exit. In-flight
// activities are abandoned without recording an outcome and are picked up
// again by Recover.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	err := <-done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Await blocks until the workflow is parked at the approval gate or has
// finished, and returns its state at that point.
func (r *LocalRunner) Await(ctx context.Context, id string) (*WorkflowState, error) {
	return r.AwaitFunc(ctx, id, Quiescent)
}

// AwaitFunc blocks until cond holds for the workflow's state.
func (r *LocalRunner) AwaitFunc(ctx context.Context, id string, cond func(*WorkflowState) bool) (*WorkflowState, error) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := r.Engine.GetState(ctx, id)
		if err != nil {
			return nil, err
		}
		if cond(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Quiescent reports whether st needs no more work from workers: it is either
// waiting for a human or finished.
func Quiescent(st *WorkflowState) bool {
	return st.Terminal() || (st.Flags.AwaitingHuman && st.Pending == nil)
}
