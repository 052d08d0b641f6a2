package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/quill/internal/taskqueue"
)

// Handler processes one task taken from the queue.
type Handler interface {
	HandleTask(ctx context.Context, t taskqueue.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t taskqueue.Task) error

func (f HandlerFunc) HandleTask(ctx context.Context, t taskqueue.Task) error {
	return f(ctx, t)
}

// Worker pulls tasks from a Queue and passes them to a Handler.
type Worker struct {
	handler Handler
	queue   taskqueue.Queue
}

// New creates a new Worker.
func New(h Handler, queue taskqueue.Queue) *Worker {
	return &Worker{
		handler: h,
		queue:   queue,
	}
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error
//     (context cancellation or taskqueue.ErrClosed).
//   - processed == true: a task was handled; err is the handler's error.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	switch task.Type {
	case taskqueue.TaskTypeActivity, taskqueue.TaskTypeTimeout:
		return true, w.handler.HandleTask(ctx, *task)
	default:
		// Mark as processed but report it so it isn't silently ignored.
		return true, fmt.Errorf("unknown task type: %q", task.Type)
	}
}

// Pool runs a fixed number of workers over one queue.
type Pool struct {
	worker *Worker
	size   int
	logger *slog.Logger
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool creates a pool of size workers. size <= 0 means 1.
func NewPool(h Handler, queue taskqueue.Queue, size int, opts ...PoolOption) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		worker: New(h, queue),
		size:   size,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Run blocks until ctx is done or the queue is closed. It returns nil in
// both cases and a non-nil error only for unexpected dequeue failures.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		log := p.logger.With("worker", i)
		g.Go(func() error {
			return p.loop(gctx, log)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, log *slog.Logger) error {
	for {
		processed, err := p.worker.ProcessOne(ctx)
		if !processed {
			if err == nil {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, taskqueue.ErrClosed) {
				return nil
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		if err != nil {
			log.Warn("task failed", "error", err)
		}
	}
}
