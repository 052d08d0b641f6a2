package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/quill/internal/taskqueue"
	"github.com/petrijr/quill/pkg/api"
	"github.com/petrijr/quill/pkg/worker"
)

// Run processes queued activities and gate timeouts with a pool of workers
// and keeps this engine's leases alive. It blocks until ctx is done or the
// queue is closed.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := worker.NewPool(e, e.queue, e.workers, worker.WithLogger(e.logger))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.heartbeat(gctx)
	})
	g.Go(func() error {
		return e.drainBacklog(gctx)
	})
	if e.recoverEvery > 0 {
		g.Go(func() error {
			return e.recoverLoop(gctx)
		})
	}
	g.Go(func() error {
		// The heartbeat, backlog and recovery loop stop with the pool.
		defer cancel()
		return pool.Run(gctx)
	})
	return g.Wait()
}

// HandleTask implements worker.Handler.
func (e *Engine) HandleTask(ctx context.Context, t taskqueue.Task) error {
	switch t.Type {
	case taskqueue.TaskTypeActivity:
		return e.runActivity(ctx, t)
	case taskqueue.TaskTypeTimeout:
		_, err := e.deliver(ctx, t.WorkflowID, api.TimeoutEvent(t.Reason, t.Epoch))
		e.disarm(t.WorkflowID, t.Epoch)
		return e.settled(t, err)
	}
	return fmt.Errorf("unknown task type %q", t.Type)
}

func (e *Engine) runActivity(ctx context.Context, t taskqueue.Task) error {
	// Skip work the workflow no longer waits for, e.g. after a cancel.
	st, err := e.load(ctx, t.WorkflowID)
	if err != nil {
		return err
	}
	if st.Pending == nil || st.Pending.IdempotencyKey != t.IdempotencyKey {
		e.logger.Debug("dropping activity task that is no longer pending",
			"workflow_id", t.WorkflowID, "activity", t.Activity, "epoch", t.Epoch)
		return nil
	}

	req := api.ActivityRequest{
		WorkflowID:     t.WorkflowID,
		Name:           t.Activity,
		Stage:          api.Stage(t.Stage),
		Epoch:          t.Epoch,
		IdempotencyKey: t.IdempotencyKey,
		Input:          t.Input,
	}
	res := e.executor.Execute(ctx, req)
	if ctx.Err() != nil && !res.OK() && res.Err.Kind == api.ErrorKindCancelled {
		// Shutting down: leave the activity pending for Recover.
		return ctx.Err()
	}

	_, err = e.deliver(ctx, t.WorkflowID, api.CompletedEvent(req, res))
	return e.settled(t, err)
}

// settled treats events that lost a race (a newer epoch, a finished
// workflow) as handled.
func (e *Engine) settled(t taskqueue.Task, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, api.ErrStaleEvent), errors.Is(err, api.ErrTerminal):
		e.logger.Debug("discarded outdated task", "workflow_id", t.WorkflowID, "type", t.Type, "epoch", t.Epoch, "reason", err)
		return nil
	}
	return err
}
