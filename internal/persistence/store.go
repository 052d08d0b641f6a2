package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/quill/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when no snapshot exists for a workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrSequenceConflict is returned by AppendEntry when the entry does not
	// directly follow the last recorded sequence number.
	ErrSequenceConflict = errors.New("log sequence conflict")

	// ErrFenced is returned by AppendEntry when the fencing token is not the
	// most recently issued lease token for the workflow.
	ErrFenced = errors.New("stale fencing token")

	// ErrLeaseLost is returned by RenewLease when the lease has been taken
	// over or released.
	ErrLeaseLost = errors.New("lease lost")
)

// Lease is a time-limited claim on a workflow. Token increases every time a
// different owner acquires the lease and is used to fence log appends.
type Lease struct {
	WorkflowID string
	Owner      string
	Token      int64
	ExpiresAt  time.Time
}

// Filter selects workflows. Zero values mean "no filter" for that field.
type Filter struct {
	Task   api.Task
	Status api.Status
	Stage  api.Stage

	// ActiveOnly limits results to workflows whose status is pending or in progress.
	ActiveOnly bool
}

// Summary is the index record kept next to each workflow. Stage and Status
// track the last appended entry, not the last snapshot.
type Summary struct {
	WorkflowID string
	Task       api.Task
	Stage      api.Stage
	Status     api.Status
	LastSeq    int64
	CreatedAt  time.Time
}

func (f Filter) match(s Summary) bool {
	if f.Task != "" && s.Task != f.Task {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Stage != "" && s.Stage != f.Stage {
		return false
	}
	if f.ActiveOnly && !active(s.Status) {
		return false
	}
	return true
}

func active(st api.Status) bool {
	return st == api.StatusPending || st == api.StatusInProgress
}

// SnapshotStore persists materialized workflow states.
type SnapshotStore interface {
	// SaveSnapshot creates the workflow record on first use and otherwise
	// replaces the snapshot, unless a snapshot with a higher Seq is stored.
	SaveSnapshot(ctx context.Context, st *api.WorkflowState) error
	LoadSnapshot(ctx context.Context, workflowID string) (*api.WorkflowState, error)
	ListWorkflows(ctx context.Context, filter Filter) ([]Summary, error)
}

// LogStore is the append-only replay log.
type LogStore interface {
	// AppendEntry records entry if entry.Seq is last+1 and fence is the
	// current lease token. It also advances the workflow summary.
	AppendEntry(ctx context.Context, entry api.LogEntry, fence int64) error
	// ListEntries returns entries with Seq > afterSeq in ascending order.
	ListEntries(ctx context.Context, workflowID string, afterSeq int64) ([]api.LogEntry, error)
}

// LeaseStore grants single-owner access to a workflow.
type LeaseStore interface {
	// TryAcquireLease attempts to acquire (or re-acquire) a lease on a workflow.
	// If the workflow is currently leased by another owner and the lease has not
	// expired, it returns acquired=false, err=nil.
	//
	// A lease held by the same owner is re-entrant and keeps its token.
	TryAcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (Lease, bool, error)
	// RenewLease extends l by ttl. It returns ErrLeaseLost if l is no longer current.
	RenewLease(ctx context.Context, l Lease, ttl time.Duration) (Lease, error)
	// ReleaseLease releases l if it is still current. It is idempotent.
	ReleaseLease(ctx context.Context, l Lease) error
}

// Store bundles the store interfaces so the engine can depend on a single
// abstraction.
type Store interface {
	SnapshotStore
	LogStore
	LeaseStore
}
