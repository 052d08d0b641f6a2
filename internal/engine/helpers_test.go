package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/quill/internal/activity"
	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/internal/taskqueue"
	"github.com/petrijr/quill/pkg/api"
	"github.com/petrijr/quill/pkg/worker"
)

// pipeline is a scripted set of activities.
type pipeline struct {
	mu sync.Mutex

	// qualities are handed out one per critique call; the last one repeats.
	qualities []float64
	verdict   string

	complianceFails int
	draftErr        error
	draftFailures   int
	draftBlock      chan struct{}
	draftStarted    chan struct{}

	keys map[string][]string
}

func newPipeline(qualities ...float64) *pipeline {
	if len(qualities) == 0 {
		qualities = []float64{0.9}
	}
	return &pipeline{qualities: qualities, keys: map[string][]string{}}
}

func (p *pipeline) record(req api.ActivityRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req.Attempt == 1 {
		p.keys[req.Name] = append(p.keys[req.Name], req.IdempotencyKey)
	}
}

func (p *pipeline) calls(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys[name]...)
}

func (p *pipeline) registry() *activity.Registry {
	reg := activity.NewRegistry()
	fast := activity.WithRetry(api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	reg.MustRegister(api.ActivityIngest, func(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
		p.record(req)
		return map[string]any{"summary": fmt.Sprint(req.Input["notes"])}, nil
	}, fast)

	reg.MustRegister(api.ActivityDraft, func(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
		p.record(req)
		p.mu.Lock()
		block, started, err := p.draftBlock, p.draftStarted, p.draftErr
		transient := p.draftFailures > 0
		if transient {
			p.draftFailures--
		}
		p.mu.Unlock()

		if started != nil {
			close(started)
		}
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if transient {
			return nil, api.Transient(errors.New("model overloaded"))
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": fmt.Sprintf("draft r%v", req.Input["revision"]), "model": "test"}, nil
	}, fast)

	reg.MustRegister(api.ActivityCritique, func(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
		p.record(req)
		p.mu.Lock()
		q := p.qualities[0]
		if len(p.qualities) > 1 {
			p.qualities = p.qualities[1:]
		}
		verdict := p.verdict
		p.mu.Unlock()

		if verdict == "" {
			verdict = "accept"
			if q < 0.7 {
				verdict = "needs_changes"
			}
		}
		return map[string]any{"quality": q, "verdict": verdict, "feedback": "tighten the intro"}, nil
	}, fast)

	reg.MustRegister(api.ActivityCompliance, func(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
		p.record(req)
		p.mu.Lock()
		fail := p.complianceFails > 0
		if fail {
			p.complianceFails--
		}
		p.mu.Unlock()
		if fail {
			return map[string]any{"passed": false, "findings": []string{"banned term: guaranteed"}}, nil
		}
		return map[string]any{"passed": true, "findings": []string{}}, nil
	}, fast)

	reg.MustRegister(api.ActivityPublish, func(ctx context.Context, req api.ActivityRequest) (map[string]any, error) {
		p.record(req)
		return map[string]any{"location": "mem://" + req.IdempotencyKey}, nil
	}, fast)
	return reg
}

type harness struct {
	eng     *Engine
	queue   *taskqueue.InMemoryQueue
	store   persistence.Store
	metrics *api.BasicMetrics
}

func newHarness(t *testing.T, store persistence.Store, p *pipeline, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessWithQueue(t, store, p, 64, mutate)
}

func newHarnessWithQueue(t *testing.T, store persistence.Store, p *pipeline, capacity int, mutate func(*Config)) *harness {
	t.Helper()
	queue := taskqueue.NewInMemoryQueue(capacity)
	t.Cleanup(queue.Close)

	metrics := &api.BasicMetrics{}
	cfg := Config{
		Store:    store,
		Queue:    queue,
		Executor: activity.NewExecutor(p.registry()),
		Observer: metrics,
		Policy:   api.DefaultPolicy(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return &harness{eng: eng, queue: queue, store: store, metrics: metrics}
}

// run starts the worker pool until the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

// drain processes queued tasks synchronously until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	w := worker.New(h.eng, h.queue)
	for h.queue.Len() > 0 {
		processed, err := w.ProcessOne(context.Background())
		require.True(t, processed)
		require.NoError(t, err)
	}
}

func (h *harness) waitFor(t *testing.T, id string, cond func(*api.WorkflowState) bool) *api.WorkflowState {
	t.Helper()
	var last *api.WorkflowState
	require.Eventually(t, func() bool {
		st, err := h.eng.GetState(context.Background(), id)
		if err != nil {
			return false
		}
		last = st
		return cond(st)
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func awaiting(st *api.WorkflowState) bool { return st.Flags.AwaitingHuman }
func terminal(st *api.WorkflowState) bool { return st.Terminal() }

func stagesOf(st *api.WorkflowState) []api.Stage {
	out := make([]api.Stage, 0, len(st.AuditTrail))
	for _, a := range st.AuditTrail {
		out = append(out, a.To)
	}
	return out
}

func causesOf(st *api.WorkflowState) []string {
	var out []string
	for _, a := range st.AuditTrail {
		if a.Cause != "" {
			out = append(out, a.Cause)
		}
	}
	return out
}
