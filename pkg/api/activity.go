package api

import (
	"context"
	"errors"
)

// Names under which the pipeline activities are registered.
const (
	ActivityIngest     = "ingest"
	ActivityDraft      = "draft"
	ActivityCritique   = "critique"
	ActivityCompliance = "compliance"
	ActivityPublish    = "publish"
)

// ActivityRequest is the input of one activity dispatch. It carries only the
// fields of the workflow state the activity needs, never the state itself.
type ActivityRequest struct {
	WorkflowID string
	Name       string
	Stage      Stage
	Epoch      int64

	// IdempotencyKey is stable across retries and re-dispatches of the same
	// request. Activities use it to avoid duplicating external side effects.
	IdempotencyKey string

	// Attempt is 1-based and set by the executor.
	Attempt int

	Input map[string]any
}

// Activity executes side-effecting work outside the deterministic core.
type Activity func(ctx context.Context, req ActivityRequest) (map[string]any, error)

// ErrorKind classifies an activity failure.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// ActivityError is the serializable failure reported back to the router.
type ActivityError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ActivityError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// ActivityResult is the terminal outcome of an activity, after retries.
// Exactly one of Output and Err is meaningful.
type ActivityResult struct {
	Output   map[string]any
	Err      *ActivityError
	Attempts int
}

// OK reports whether the activity succeeded.
func (r ActivityResult) OK() bool { return r.Err == nil }

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable (timeouts, rate limits, connectivity).
// Errors that are not marked are treated as permanent by the executor.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or any error it wraps, was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
