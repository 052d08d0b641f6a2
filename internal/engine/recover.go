package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/pkg/api"
)

// Recover resumes every active workflow that no live process owns: pending
// activities are re-dispatched with their original epoch and idempotency
// key, parked workflows get their approval timeout re-armed, and workflows
// that crashed before their start event was logged are started.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	sums, err := e.store.ListWorkflows(ctx, persistence.Filter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}

	var (
		n    int
		errs []error
	)
	for _, sum := range sums {
		if e.holds(sum.WorkflowID) {
			// Its activity is already in flight in this process.
			continue
		}
		ok, err := e.resume(ctx, sum.WorkflowID)
		switch {
		case errors.Is(err, api.ErrOwnershipConflict):
			e.logger.Debug("skipping workflow owned elsewhere", "workflow_id", sum.WorkflowID)
		case err != nil:
			e.logger.Error("recover workflow failed", "workflow_id", sum.WorkflowID, "error", err)
			errs = append(errs, err)
		case ok:
			n++
		}
	}
	level := slog.LevelDebug
	if n > 0 {
		level = slog.LevelInfo
	}
	e.logger.Log(ctx, level, "recovery finished", "candidates", len(sums), "resumed", n)
	return n, errors.Join(errs...)
}

func (e *Engine) resume(ctx context.Context, id string) (bool, error) {
	unlock := e.lock(id)
	defer unlock()

	lease, err := e.acquire(ctx, id)
	if err != nil {
		return false, err
	}
	st, err := e.load(ctx, id)
	if err != nil {
		e.release(ctx, lease)
		return false, err
	}

	switch {
	case st.Terminal():
		e.release(ctx, lease)
		return false, nil
	case st.Stage == api.StageRoute:
		_, err := e.apply(ctx, lease, st, api.StartEvent())
		return err == nil, err
	case st.Pending != nil:
		e.logger.Info("redispatching activity", "workflow_id", id, "activity", st.Pending.Name, "epoch", st.Pending.Epoch)
		e.dispatch(ctx, id, st.Pending)
		return true, nil
	case st.Flags.AwaitingHuman:
		if !st.Flags.ApprovalDeadline.IsZero() {
			e.armTimeout(ctx, id, st.Epoch, st.Flags.ApprovalDeadline)
		}
		e.release(ctx, lease)
		return true, nil
	}
	e.release(ctx, lease)
	return false, nil
}

// recoverLoop calls Recover every RecoverEvery until ctx is done.
func (e *Engine) recoverLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.recoverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Recover(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("periodic recovery failed", "error", err)
			}
		}
	}
}
