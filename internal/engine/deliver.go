package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/internal/router"
	"github.com/petrijr/quill/internal/taskqueue"
	"github.com/petrijr/quill/pkg/api"
)

const gateTimeoutReason = "approval deadline passed"

// deliver routes ev to workflow id and commits the outcome.
func (e *Engine) deliver(ctx context.Context, id string, ev api.Event) (*api.WorkflowState, error) {
	unlock := e.lock(id)
	defer unlock()

	lease, err := e.acquire(ctx, id)
	if err != nil {
		e.observer.OnEventRejected(ctx, id, ev.Type, err)
		return nil, err
	}
	st, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, lease, st, ev)
}

// apply routes ev against st, which must have been loaded under lease.
func (e *Engine) apply(ctx context.Context, lease persistence.Lease, st *api.WorkflowState, ev api.Event) (*api.WorkflowState, error) {
	ev.At = e.stamp()
	ev, err := persistence.NormalizeEvent(ev)
	if err != nil {
		return nil, err
	}

	dec, err := router.Decide(st, ev)
	if err != nil {
		e.observer.OnEventRejected(ctx, st.WorkflowID, ev.Type, err)
		e.settle(ctx, lease, st)
		return nil, err
	}

	entry := api.LogEntry{
		WorkflowID: st.WorkflowID,
		Seq:        dec.State.Seq,
		Event:      ev,
		Delta:      dec.Delta,
		At:         ev.At,
	}
	if err := e.store.AppendEntry(ctx, entry, lease.Token); err != nil {
		if errors.Is(err, persistence.ErrFenced) || errors.Is(err, persistence.ErrSequenceConflict) {
			e.forget(st.WorkflowID)
			err = fmt.Errorf("%w: %s: %w", api.ErrOwnershipConflict, st.WorkflowID, err)
			e.observer.OnEventRejected(ctx, st.WorkflowID, ev.Type, err)
			return nil, err
		}
		return nil, fmt.Errorf("append log entry %d of %s: %w", entry.Seq, st.WorkflowID, err)
	}

	next := dec.State
	if next.Terminal() || next.Seq%e.snapshotEvery == 0 {
		if err := e.store.SaveSnapshot(ctx, next); err != nil {
			// The log is authoritative; the next load just replays further.
			e.logger.Warn("save snapshot failed", "workflow_id", next.WorkflowID, "seq", next.Seq, "error", err)
		}
	}

	e.observe(ctx, st, next, ev.Type, dec.Delta)
	e.perform(ctx, next, dec.Effects)
	e.settle(ctx, lease, next)
	return next.Clone(), nil
}

// settle keeps the lease only while an activity is outstanding.
func (e *Engine) settle(ctx context.Context, lease persistence.Lease, st *api.WorkflowState) {
	if st.Pending == nil {
		e.release(ctx, lease)
	}
	if !st.Flags.AwaitingHuman {
		e.leaseMu.Lock()
		delete(e.armed, st.WorkflowID)
		e.leaseMu.Unlock()
	}
}

func (e *Engine) observe(ctx context.Context, prev, next *api.WorkflowState, ev api.EventType, delta api.StateDelta) {
	e.observer.OnTransition(ctx, next, ev, delta)

	if next.Flags.AwaitingHuman && next.Epoch != prev.Epoch {
		e.observer.OnAwaitingApproval(ctx, next)
	}
	if !next.Terminal() || prev.Terminal() {
		return
	}
	if next.Status == api.StatusComplete {
		e.observer.OnWorkflowCompleted(ctx, next)
	} else {
		e.observer.OnWorkflowFailed(ctx, next, delta.Cause)
	}
}

func (e *Engine) perform(ctx context.Context, st *api.WorkflowState, effects []api.Effect) {
	for _, eff := range effects {
		switch eff.Type {
		case api.EffectDispatchActivity:
			e.dispatch(ctx, st.WorkflowID, eff.Activity)
		case api.EffectAwaitSignal:
			if !eff.Deadline.IsZero() {
				e.armTimeout(ctx, st.WorkflowID, eff.Epoch, eff.Deadline)
			}
		case api.EffectCancelActivity:
			if eff.Activity != nil && e.executor.Cancel(eff.Activity.IdempotencyKey) {
				e.logger.Info("cancelled in-flight activity", "workflow_id", st.WorkflowID, "activity", eff.Activity.Name)
			}
		case api.EffectTerminate:
			e.logger.Info("workflow finished", "workflow_id", st.WorkflowID, "status", eff.Status, "cause", st.Cause())
		}
	}
}

// dispatch queues an activity without blocking. A failure here leaves the
// activity pending in the log, where Recover finds and redrives it.
func (e *Engine) dispatch(ctx context.Context, id string, p *api.PendingActivity) {
	if p == nil {
		return
	}
	err := e.enqueue(taskqueue.Task{
		ID:             p.IdempotencyKey,
		Type:           taskqueue.TaskTypeActivity,
		WorkflowID:     id,
		Epoch:          p.Epoch,
		Activity:       p.Name,
		Stage:          string(p.Stage),
		IdempotencyKey: p.IdempotencyKey,
		Input:          p.Input,
		EnqueuedAt:     e.now(),
	})
	if err != nil {
		e.logger.Error("dispatch activity failed", "workflow_id", id, "activity", p.Name, "epoch", p.Epoch, "error", err)
		// Let the next Recover, here or elsewhere, redrive it.
		e.drop(ctx, id)
	}
}

// armTimeout schedules the approval timeout of the gate entered at epoch.
// Each gate entry is armed at most once per process.
func (e *Engine) armTimeout(ctx context.Context, id string, epoch int64, deadline time.Time) {
	e.leaseMu.Lock()
	if e.armed[id] == epoch {
		e.leaseMu.Unlock()
		return
	}
	e.armed[id] = epoch
	e.leaseMu.Unlock()

	err := e.enqueue(taskqueue.Task{
		ID:         fmt.Sprintf("%s:timeout:%d", id, epoch),
		Type:       taskqueue.TaskTypeTimeout,
		WorkflowID: id,
		Epoch:      epoch,
		Reason:     gateTimeoutReason,
		EnqueuedAt: e.now(),
		NotBefore:  deadline,
	})
	if err != nil {
		e.logger.Error("arm approval timeout failed", "workflow_id", id, "epoch", epoch, "error", err)
		e.disarm(id, epoch)
	}
}

func (e *Engine) disarm(id string, epoch int64) {
	e.leaseMu.Lock()
	if e.armed[id] == epoch {
		delete(e.armed, id)
	}
	e.leaseMu.Unlock()
}
