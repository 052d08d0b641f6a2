package api

import "errors"

var (
	// ErrInvalidTask is returned by StartWorkflow for unknown pipeline variants.
	ErrInvalidTask = errors.New("invalid task")

	// ErrNotFound is returned for unknown workflow IDs.
	ErrNotFound = errors.New("workflow not found")

	// ErrNotAwaitingApproval is returned when a signal reaches a workflow that
	// is not parked at the approval gate.
	ErrNotAwaitingApproval = errors.New("workflow is not awaiting approval")

	// ErrNotReady is returned by GetResult before the workflow reached done.
	ErrNotReady = errors.New("workflow result not ready")

	// ErrTerminal is returned for state-mutating events on a finished workflow.
	ErrTerminal = errors.New("workflow is terminal")

	// ErrStaleEvent is returned for completions that no longer match the
	// workflow's pending activity (old epoch, other stage, duplicate delivery).
	ErrStaleEvent = errors.New("stale event")

	// ErrUnexpectedEvent is returned when the transition table has no entry
	// for the event in the current stage.
	ErrUnexpectedEvent = errors.New("unexpected event for stage")

	// ErrOwnershipConflict is returned when another process owns the workflow.
	// It is fatal to the current attempt only; the workflow stays recoverable.
	ErrOwnershipConflict = errors.New("workflow owned by another process")

	// ErrReplayDivergence is returned when replaying the log does not
	// reproduce the recorded transitions.
	ErrReplayDivergence = errors.New("replay diverged from recorded history")

	// ErrUnknownActivity is returned when no activity is registered under a name.
	ErrUnknownActivity = errors.New("unknown activity")
)
