package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/pkg/api"
)

// acquire takes or refreshes the lease on id. Acquisition is re-entrant for
// this engine's owner, so the token only changes when ownership moves.
func (e *Engine) acquire(ctx context.Context, id string) (persistence.Lease, error) {
	l, ok, err := e.store.TryAcquireLease(ctx, id, e.owner, e.leaseTTL)
	if err != nil {
		return persistence.Lease{}, notFound(id, err)
	}
	if !ok {
		e.forget(id)
		return persistence.Lease{}, fmt.Errorf("%w: %s", api.ErrOwnershipConflict, id)
	}

	e.leaseMu.Lock()
	e.leases[id] = l
	e.leaseMu.Unlock()
	return l, nil
}

// release gives up the lease on id. Parked and finished workflows are left
// unowned so that any process can deliver the next event.
func (e *Engine) release(ctx context.Context, l persistence.Lease) {
	e.forget(l.WorkflowID)
	if err := e.store.ReleaseLease(ctx, l); err != nil {
		e.logger.Warn("release lease failed", "workflow_id", l.WorkflowID, "error", err)
	}
}

func (e *Engine) forget(id string) {
	e.leaseMu.Lock()
	delete(e.leases, id)
	e.leaseMu.Unlock()
}

// drop releases the lease on id if this engine holds one.
func (e *Engine) drop(ctx context.Context, id string) {
	e.leaseMu.Lock()
	l, ok := e.leases[id]
	e.leaseMu.Unlock()
	if ok {
		e.release(ctx, l)
	}
}

func (e *Engine) holds(id string) bool {
	e.leaseMu.Lock()
	defer e.leaseMu.Unlock()
	_, ok := e.leases[id]
	return ok
}

// Leases returns the IDs of the workflows this engine currently owns.
func (e *Engine) Leases() []string {
	e.leaseMu.Lock()
	defer e.leaseMu.Unlock()
	out := make([]string, 0, len(e.leases))
	for id := range e.leases {
		out = append(out, id)
	}
	return out
}

// heartbeat renews held leases every LeaseTTL/3 until ctx is done. A lease
// that cannot be renewed is dropped; the next delivery re-acquires it or
// fails with ErrOwnershipConflict.
func (e *Engine) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(e.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.renewAll(ctx)
		}
	}
}

func (e *Engine) renewAll(ctx context.Context) {
	e.leaseMu.Lock()
	held := make([]persistence.Lease, 0, len(e.leases))
	for _, l := range e.leases {
		held = append(held, l)
	}
	e.leaseMu.Unlock()

	for _, l := range held {
		renewed, err := e.store.RenewLease(ctx, l, e.leaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, persistence.ErrLeaseLost) {
				e.logger.Warn("lease lost", "workflow_id", l.WorkflowID, "token", l.Token)
			} else {
				e.logger.Error("renew lease failed", "workflow_id", l.WorkflowID, "error", err)
			}
			e.leaseMu.Lock()
			if cur, ok := e.leases[l.WorkflowID]; ok && cur.Token == l.Token {
				delete(e.leases, l.WorkflowID)
			}
			e.leaseMu.Unlock()
			continue
		}

		e.leaseMu.Lock()
		if cur, ok := e.leases[l.WorkflowID]; ok && cur.Token == l.Token {
			e.leases[l.WorkflowID] = renewed
		}
		e.leaseMu.Unlock()
	}
}
