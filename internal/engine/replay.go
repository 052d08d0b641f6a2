package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/internal/router"
	"github.com/petrijr/quill/pkg/api"
)

// load rebuilds the current state of a workflow from its latest snapshot and
// the log entries recorded after it.
func (e *Engine) load(ctx context.Context, id string) (*api.WorkflowState, error) {
	snap, err := e.store.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	entries, err := e.store.ListEntries(ctx, id, snap.Seq)
	if err != nil {
		return nil, notFound(id, err)
	}
	return replay(snap, entries)
}

// replay applies entries to st through the router and checks every
// recomputed transition against the recorded one.
func replay(st *api.WorkflowState, entries []api.LogEntry) (*api.WorkflowState, error) {
	for _, entry := range entries {
		if entry.Seq != st.Seq+1 {
			return nil, fmt.Errorf("%w: workflow %s: expected seq %d, log has %d",
				api.ErrReplayDivergence, st.WorkflowID, st.Seq+1, entry.Seq)
		}
		dec, err := router.Decide(st, entry.Event)
		if err != nil {
			return nil, fmt.Errorf("%w: workflow %s seq %d: %v",
				api.ErrReplayDivergence, st.WorkflowID, entry.Seq, err)
		}
		if dec.Delta != entry.Delta {
			return nil, fmt.Errorf("%w: workflow %s seq %d: recorded %+v, replayed %+v",
				api.ErrReplayDivergence, st.WorkflowID, entry.Seq, entry.Delta, dec.Delta)
		}
		st = dec.State
	}
	return st, nil
}

func notFound(id string, err error) error {
	if errors.Is(err, persistence.ErrWorkflowNotFound) {
		return fmt.Errorf("%w: %s", api.ErrNotFound, id)
	}
	return err
}
