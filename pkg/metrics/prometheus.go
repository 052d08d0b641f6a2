// Package metrics exports workflow and activity metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/quill/pkg/api"
)

// PrometheusObserver implements api.Observer on top of Prometheus collectors.
type PrometheusObserver struct {
	started     *prometheus.CounterVec
	finished    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	parked      prometheus.Counter
	rejected    *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	revisions   prometheus.Histogram
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "workflows_started_total",
			Help:      "Workflows started, by task.",
		}, []string{"task"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "workflows_finished_total",
			Help:      "Workflows that reached a terminal state, by task, status and cause.",
		}, []string{"task", "status", "cause"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "transitions_total",
			Help:      "Recorded stage transitions.",
		}, []string{"from", "to", "event"}),
		parked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "approval_gate_entries_total",
			Help:      "Times a workflow was parked at the approval gate.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "events_rejected_total",
			Help:      "Events rejected by the router or by ownership checks.",
		}, []string{"event", "reason"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "activity_attempts_total",
			Help:      "Activity attempts, by activity and outcome.",
		}, []string{"activity", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quill",
			Name:      "activity_attempt_duration_seconds",
			Help:      "Duration of single activity attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"activity"}),
		revisions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quill",
			Name:      "workflow_revisions",
			Help:      "Revision count of finished workflows.",
			Buckets:   prometheus.LinearBuckets(0, 1, 6),
		}),
	}

	for _, c := range []prometheus.Collector{
		o.started, o.finished, o.transitions, o.parked, o.rejected, o.attempts, o.duration, o.revisions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnWorkflowStart(ctx context.Context, st *api.WorkflowState) {
	o.started.WithLabelValues(string(st.Task)).Inc()
}

func (o *PrometheusObserver) OnTransition(ctx context.Context, st *api.WorkflowState, ev api.EventType, delta api.StateDelta) {
	o.transitions.WithLabelValues(string(delta.From), string(delta.To), string(ev)).Inc()
}

func (o *PrometheusObserver) OnAwaitingApproval(ctx context.Context, st *api.WorkflowState) {
	o.parked.Inc()
}

func (o *PrometheusObserver) OnWorkflowCompleted(ctx context.Context, st *api.WorkflowState) {
	o.finished.WithLabelValues(string(st.Task), string(st.Status), "").Inc()
	o.revisions.Observe(float64(st.Metrics.RevisionCount))
}

func (o *PrometheusObserver) OnWorkflowFailed(ctx context.Context, st *api.WorkflowState, cause string) {
	o.finished.WithLabelValues(string(st.Task), string(st.Status), cause).Inc()
	o.revisions.Observe(float64(st.Metrics.RevisionCount))
}

func (o *PrometheusObserver) OnActivityAttempt(ctx context.Context, req api.ActivityRequest, err error, d time.Duration) {
	outcome := "ok"
	switch {
	case err == nil:
	case api.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		outcome = "transient"
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	default:
		outcome = "permanent"
	}
	o.attempts.WithLabelValues(req.Name, outcome).Inc()
	o.duration.WithLabelValues(req.Name).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnEventRejected(ctx context.Context, workflowID string, ev api.EventType, err error) {
	o.rejected.WithLabelValues(string(ev), reason(err)).Inc()
}

// reason maps rejection errors to a small, fixed label set.
func reason(err error) string {
	switch {
	case errors.Is(err, api.ErrStaleEvent):
		return "stale"
	case errors.Is(err, api.ErrTerminal):
		return "terminal"
	case errors.Is(err, api.ErrNotAwaitingApproval):
		return "not_awaiting_approval"
	case errors.Is(err, api.ErrOwnershipConflict):
		return "ownership_conflict"
	case errors.Is(err, api.ErrUnexpectedEvent):
		return "unexpected"
	}
	return "other"
}
