package engine

import (
	"context"
	"errors"

	"github.com/petrijr/quill/internal/taskqueue"
)

// enqueue hands t to the queue without blocking. Workers call it while
// holding a workflow lock, and they are also the queue's only consumers, so
// waiting for a slot could stall every worker. Tasks that do not fit go to
// the backlog, and drainBacklog feeds them in as slots free up.
func (e *Engine) enqueue(t taskqueue.Task) error {
	e.backlogMu.Lock()
	defer e.backlogMu.Unlock()

	if len(e.backlog) == 0 {
		err := e.queue.TryEnqueue(t)
		if !errors.Is(err, taskqueue.ErrFull) {
			return err
		}
	}
	e.backlog = append(e.backlog, t)
	e.logger.Debug("queue full, task held in backlog",
		"workflow_id", t.WorkflowID, "type", t.Type, "backlog", len(e.backlog))

	select {
	case e.queued <- struct{}{}:
	default:
	}
	return nil
}

// Backlog returns the number of tasks waiting for a queue slot.
func (e *Engine) Backlog() int {
	e.backlogMu.Lock()
	defer e.backlogMu.Unlock()
	return len(e.backlog)
}

// drainBacklog moves backlogged tasks into the queue, blocking on the queue
// outside any workflow lock, until ctx is done.
func (e *Engine) drainBacklog(ctx context.Context) error {
	for {
		e.backlogMu.Lock()
		if len(e.backlog) == 0 {
			e.backlogMu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-e.queued:
				continue
			}
		}
		t := e.backlog[0]
		e.backlog = e.backlog[1:]
		e.backlogMu.Unlock()

		if err := e.queue.Enqueue(ctx, t); err != nil {
			e.backlogMu.Lock()
			e.backlog = append([]taskqueue.Task{t}, e.backlog...)
			e.backlogMu.Unlock()
			if ctx.Err() != nil || errors.Is(err, taskqueue.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
