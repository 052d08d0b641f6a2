// Package engine ties the stage router, the activity executor and the
// durable log together.
//
// Every state change follows one path: take the per-workflow lock and lease,
// rebuild the state from snapshot plus log, stamp and route the event, append
// the resulting entry under the lease's fencing token, then perform the
// effects. Recovery after a crash uses the same load path, so a live state
// and a recovered state cannot drift.
package engine

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/quill/internal/activity"
	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/internal/taskqueue"
	"github.com/petrijr/quill/pkg/api"
)

const (
	DefaultLeaseTTL      = 30 * time.Second
	DefaultSnapshotEvery = 8
	DefaultWorkers       = 4
)

// Config describes how to construct an Engine.
type Config struct {
	Store    persistence.Store
	Queue    taskqueue.Queue
	Executor *activity.Executor

	Observer api.Observer
	Logger   *slog.Logger

	// Policy is frozen into every workflow started by this engine.
	Policy api.Policy

	// Owner identifies this process in leases. A stable owner lets a
	// restarted process take back its own workflows without waiting for
	// the leases to expire. Defaults to a random UUID.
	Owner    string
	LeaseTTL time.Duration

	// SnapshotEvery writes a snapshot after that many log entries.
	// Terminal states are always snapshotted.
	SnapshotEvery int

	// Workers is the size of the pool started by Run.
	Workers int

	// RecoverEvery makes Run call Recover periodically, so workflows left
	// behind by a dead process are picked up without a restart. Zero
	// disables it.
	RecoverEvery time.Duration

	Now   func() time.Time
	NewID func() string
}

// Engine implements api.Engine, api.HistoryReader and api.Recoverer.
type Engine struct {
	store    persistence.Store
	queue    taskqueue.Queue
	executor *activity.Executor
	observer api.Observer
	logger   *slog.Logger

	policy        api.Policy
	owner         string
	leaseTTL      time.Duration
	snapshotEvery int64
	workers       int
	recoverEvery  time.Duration
	now           func() time.Time
	newID         func() string

	locks [64]sync.Mutex

	leaseMu sync.Mutex
	leases  map[string]persistence.Lease
	armed   map[string]int64

	// backlog holds tasks that did not fit into the queue. Run feeds them
	// in as workers free up.
	backlogMu sync.Mutex
	backlog   []taskqueue.Task
	queued    chan struct{}
}

var (
	_ api.Engine        = (*Engine)(nil)
	_ api.HistoryReader = (*Engine)(nil)
	_ api.Recoverer     = (*Engine)(nil)
)

// New creates an Engine. Store, Queue and Executor are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("engine: executor is required")
	}

	e := &Engine{
		store:         cfg.Store,
		queue:         cfg.Queue,
		executor:      cfg.Executor,
		observer:      cfg.Observer,
		logger:        cfg.Logger,
		policy:        cfg.Policy,
		owner:         cfg.Owner,
		leaseTTL:      cfg.LeaseTTL,
		snapshotEvery: int64(cfg.SnapshotEvery),
		workers:       cfg.Workers,
		recoverEvery:  cfg.RecoverEvery,
		now:           cfg.Now,
		newID:         cfg.NewID,
		leases:        make(map[string]persistence.Lease),
		armed:         make(map[string]int64),
		queued:        make(chan struct{}, 1),
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.policy == (api.Policy{}) {
		e.policy = api.DefaultPolicy()
	}
	if e.owner == "" {
		e.owner = uuid.NewString()
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	if e.snapshotEvery <= 0 {
		e.snapshotEvery = DefaultSnapshotEvery
	}
	if e.workers <= 0 {
		e.workers = DefaultWorkers
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	e.logger = e.logger.With("component", "engine", "owner", e.owner)
	return e, nil
}

// Owner returns the lease owner identity of this engine.
func (e *Engine) Owner() string { return e.owner }

// lock serializes event delivery per workflow within this process. The
// lease does the same across processes.
func (e *Engine) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &e.locks[h.Sum32()%uint32(len(e.locks))]
	m.Lock()
	return m.Unlock
}

// stamp returns the current time in the form it has after a round trip
// through the log.
func (e *Engine) stamp() time.Time {
	return e.now().UTC()
}
