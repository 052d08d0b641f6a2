package taskqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by queue operations after Close.
	ErrClosed = errors.New("taskqueue: closed")
	// ErrFull is returned by TryEnqueue when the queue has no free slot.
	ErrFull = errors.New("taskqueue: full")
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeActivity runs one dispatched activity to completion.
	TaskTypeActivity TaskType = "activity"
	// TaskTypeTimeout fires the approval-gate timeout of one gate epoch.
	TaskTypeTimeout TaskType = "timeout"
)

// Task is one unit of work handed to a worker. Tasks are never the record
// of truth: a lost task is re-enqueued from the workflow log by Recover.
type Task struct {
	ID         string
	Type       TaskType
	WorkflowID string

	// Epoch ties the task to one dispatch or gate entry. Results for an
	// older epoch are discarded by the router.
	Epoch int64

	// For activity tasks.
	Activity       string
	Stage          string
	IdempotencyKey string
	Input          map[string]any

	// For timeout tasks.
	Reason string

	EnqueuedAt time.Time

	// NotBefore delays delivery; zero means as soon as a worker is free.
	NotBefore time.Time
}

// Queue buffers tasks between the engine and its worker pool.
type Queue interface {
	// Enqueue blocks while the queue is full, until ctx is done.
	Enqueue(ctx context.Context, t Task) error

	// TryEnqueue is Enqueue without waiting: it returns ErrFull instead of
	// blocking. Delayed tasks are always accepted.
	TryEnqueue(t Task) error

	// Dequeue removes and returns the next eligible task, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, delayed ones included.
	Len() int
}
