package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer is notified of pipeline lifecycle events. Callbacks run
// synchronously on engine and worker goroutines and must return quickly.
// States passed in are copies.
type Observer interface {
	// OnWorkflowStart is called once when a workflow instance is created.
	OnWorkflowStart(ctx context.Context, st *WorkflowState)

	// OnTransition is called after an event has been durably logged and applied.
	OnTransition(ctx context.Context, st *WorkflowState, ev EventType, delta StateDelta)

	// OnAwaitingApproval is called when a workflow parks at the approval gate.
	OnAwaitingApproval(ctx context.Context, st *WorkflowState)

	// OnWorkflowCompleted is called when a workflow reaches StageDone.
	OnWorkflowCompleted(ctx context.Context, st *WorkflowState)

	// OnWorkflowFailed is called when a workflow transitions to StatusError.
	OnWorkflowFailed(ctx context.Context, st *WorkflowState, cause string)

	// OnActivityAttempt is called after every attempt of an activity, for
	// both successes and failures (err != nil).
	OnActivityAttempt(ctx context.Context, req ActivityRequest, err error, duration time.Duration)

	// OnEventRejected is called when an event is refused without mutating
	// state (stale completions, signals while not awaiting, terminal workflows).
	OnEventRejected(ctx context.Context, workflowID string, ev EventType, err error)
}

// NoopObserver ignores every callback.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, st *WorkflowState) {}
func (NoopObserver) OnTransition(ctx context.Context, st *WorkflowState, ev EventType, delta StateDelta) {
}
func (NoopObserver) OnAwaitingApproval(ctx context.Context, st *WorkflowState)              {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, st *WorkflowState)             {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, st *WorkflowState, cause string) {}
func (NoopObserver) OnActivityAttempt(ctx context.Context, req ActivityRequest, err error, d time.Duration) {
}
func (NoopObserver) OnEventRejected(ctx context.Context, workflowID string, ev EventType, err error) {
}

// CompositeObserver forwards each callback to several observers in order.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver combines obs, skipping nils. With a single observer
// left it is returned unwrapped.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, st *WorkflowState) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, st)
	}
}

func (c *CompositeObserver) OnTransition(ctx context.Context, st *WorkflowState, ev EventType, delta StateDelta) {
	for _, o := range c.observers {
		o.OnTransition(ctx, st, ev, delta)
	}
}

func (c *CompositeObserver) OnAwaitingApproval(ctx context.Context, st *WorkflowState) {
	for _, o := range c.observers {
		o.OnAwaitingApproval(ctx, st)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, st *WorkflowState) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, st)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, st *WorkflowState, cause string) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, st, cause)
	}
}

func (c *CompositeObserver) OnActivityAttempt(ctx context.Context, req ActivityRequest, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityAttempt(ctx, req, err, d)
	}
}

func (c *CompositeObserver) OnEventRejected(ctx context.Context, workflowID string, ev EventType, err error) {
	for _, o := range c.observers {
		o.OnEventRejected(ctx, workflowID, ev, err)
	}
}

// LoggingObserver logs lifecycle events at Info and activity attempts at
// Debug (Warn when they fail).
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver logs to logger, or slog.Default() when nil.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, st *WorkflowState) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", st.WorkflowID),
		slog.String("task", string(st.Task)),
	)
}

func (o *LoggingObserver) OnTransition(ctx context.Context, st *WorkflowState, ev EventType, delta StateDelta) {
	o.Logger.DebugContext(ctx, "transition",
		slog.String("workflow_id", st.WorkflowID),
		slog.Int64("seq", st.Seq),
		slog.String("event", string(ev)),
		slog.String("from", string(delta.From)),
		slog.String("to", string(delta.To)),
		slog.String("status", string(delta.Status)),
		slog.String("cause", delta.Cause),
	)
}

func (o *LoggingObserver) OnAwaitingApproval(ctx context.Context, st *WorkflowState) {
	o.Logger.InfoContext(ctx, "awaiting_approval",
		slog.String("workflow_id", st.WorkflowID),
		slog.Int("revision_count", st.Metrics.RevisionCount),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, st *WorkflowState) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", st.WorkflowID),
		slog.String("task", string(st.Task)),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, st *WorkflowState, cause string) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", st.WorkflowID),
		slog.String("stage", string(st.Stage)),
		slog.String("cause", cause),
		slog.String("error", st.LastError),
	)
}

func (o *LoggingObserver) OnActivityAttempt(ctx context.Context, req ActivityRequest, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_attempt",
		slog.String("workflow_id", req.WorkflowID),
		slog.String("activity", req.Name),
		slog.Int64("epoch", req.Epoch),
		slog.Int("attempt", req.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEventRejected(ctx context.Context, workflowID string, ev EventType, err error) {
	o.Logger.WarnContext(ctx, "event_rejected",
		slog.String("workflow_id", workflowID),
		slog.String("event", string(ev)),
		slog.Any("error", err),
	)
}

// BasicMetrics counts workflows and activity attempts in memory. It is safe
// for concurrent use.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	transitions        atomic.Int64
	eventsRejected     atomic.Int64
	activityAttempts   atomic.Int64
	activityFailures   atomic.Int64
	totalActivityNanos atomic.Int64
}

// BasicMetricsSnapshot is a point-in-time copy of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	ActiveWorkflows    int64

	Transitions      int64
	EventsRejected   int64
	ActivityAttempts int64
	ActivityFailures int64
	AvgActivityTime  time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, st *WorkflowState) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnTransition(ctx context.Context, st *WorkflowState, ev EventType, delta StateDelta) {
	m.transitions.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, st *WorkflowState) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, st *WorkflowState, cause string) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnActivityAttempt(ctx context.Context, req ActivityRequest, err error, d time.Duration) {
	m.activityAttempts.Add(1)
	m.totalActivityNanos.Add(d.Nanoseconds())
	if err != nil {
		m.activityFailures.Add(1)
	}
}

func (m *BasicMetrics) OnEventRejected(ctx context.Context, workflowID string, ev EventType, err error) {
	m.eventsRejected.Add(1)
}

func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	attempts := m.activityAttempts.Load()
	totalNs := m.totalActivityNanos.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   started,
		WorkflowsCompleted: completed,
		WorkflowsFailed:    failed,
		ActiveWorkflows:    started - completed - failed,
		Transitions:        m.transitions.Load(),
		EventsRejected:     m.eventsRejected.Load(),
		ActivityAttempts:   attempts,
		ActivityFailures:   m.activityFailures.Load(),
		AvgActivityTime:    avg,
	}
}
