package api

import (
	"context"
)

// Engine is the high-level API exposed to the front end.
type Engine interface {
	// StartWorkflow creates a workflow for task seeded with artifacts and
	// schedules its first stage. It fails with ErrInvalidTask for unknown tasks.
	StartWorkflow(ctx context.Context, task Task, artifacts map[string]any) (string, error)

	// GetState returns a snapshot of the workflow. It fails with ErrNotFound
	// for unknown IDs.
	GetState(ctx context.Context, id string) (*WorkflowState, error)

	// SubmitApproval delivers a human decision to a workflow parked at the
	// approval gate. It fails with ErrNotAwaitingApproval otherwise.
	SubmitApproval(ctx context.Context, id string, approved bool, notes string) error

	// GetResult returns the final artifacts once the workflow is done.
	// It fails with ErrNotReady otherwise; for failed workflows the error
	// also carries the last recorded cause.
	GetResult(ctx context.Context, id string) (map[string]any, error)

	// Cancel moves a non-terminal workflow to status error with cause
	// "cancelled" and requests cancellation of any in-flight activity.
	Cancel(ctx context.Context, id string, reason string) error

	// ListWorkflows returns workflows matching the given options.
	ListWorkflows(ctx context.Context, opts ListOptions) ([]*WorkflowState, error)
}

// HistoryReader allows reading a workflow's durable event log.
type HistoryReader interface {
	// History returns all log entries for a workflow in sequence order.
	History(ctx context.Context, id string) ([]LogEntry, error)
}

// Recoverer is implemented by engines that can resume work after a restart.
type Recoverer interface {
	// Recover takes ownership of active workflows that no live process owns,
	// rebuilds their state from the log, and re-issues outstanding side
	// effects. It returns the number of workflows resumed.
	//
	// It is typically called on process startup before workers are started.
	Recover(ctx context.Context) (int, error)
}
