package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/pkg/api"
)

func (e *Engine) StartWorkflow(ctx context.Context, task api.Task, artifacts map[string]any) (string, error) {
	if !task.Valid() {
		return "", fmt.Errorf("%w: %q", api.ErrInvalidTask, task)
	}

	id := e.newID()
	st := api.NewWorkflowState(id, task, artifacts, e.policy, e.stamp())
	if err := e.store.SaveSnapshot(ctx, st); err != nil {
		return "", fmt.Errorf("save initial snapshot: %w", err)
	}
	e.observer.OnWorkflowStart(ctx, st)

	// A crash before the start event is logged leaves the workflow in the
	// route stage; Recover delivers the start event then.
	if _, err := e.deliver(ctx, id, api.StartEvent()); err != nil {
		return id, err
	}
	return id, nil
}

func (e *Engine) GetState(ctx context.Context, id string) (*api.WorkflowState, error) {
	return e.load(ctx, id)
}

func (e *Engine) SubmitApproval(ctx context.Context, id string, approved bool, notes string) error {
	st, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if st.Terminal() || !st.Flags.AwaitingHuman {
		err := fmt.Errorf("%w: %s is in stage %s (%s)", api.ErrNotAwaitingApproval, id, st.Stage, st.Status)
		e.observer.OnEventRejected(ctx, id, api.EventHumanSignal, err)
		return err
	}

	_, err = e.deliver(ctx, id, api.SignalEvent(approved, notes))
	return err
}

func (e *Engine) GetResult(ctx context.Context, id string) (map[string]any, error) {
	st, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case st.Stage == api.StageDone && st.Status == api.StatusComplete:
		return maps.Clone(st.Artifacts), nil
	case st.Status == api.StatusError:
		return nil, fmt.Errorf("%w: %s failed in stage %s: %s: %s",
			api.ErrNotReady, id, st.Stage, st.Cause(), st.LastError)
	}
	return nil, fmt.Errorf("%w: %s is in stage %s", api.ErrNotReady, id, st.Stage)
}

func (e *Engine) Cancel(ctx context.Context, id string, reason string) error {
	_, err := e.deliver(ctx, id, api.CancelEvent(reason))
	return err
}

func (e *Engine) ListWorkflows(ctx context.Context, opts api.ListOptions) ([]*api.WorkflowState, error) {
	sums, err := e.store.ListWorkflows(ctx, persistence.Filter{
		Task:       opts.Task,
		Status:     opts.Status,
		Stage:      opts.Stage,
		ActiveOnly: opts.ActiveOnly,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*api.WorkflowState, 0, len(sums))
	for _, sum := range sums {
		st, err := e.load(ctx, sum.WorkflowID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (e *Engine) History(ctx context.Context, id string) ([]api.LogEntry, error) {
	entries, err := e.store.ListEntries(ctx, id, 0)
	if err != nil {
		return nil, notFound(id, err)
	}
	return entries, nil
}
