package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/quill/internal/persistence"
	"github.com/petrijr/quill/pkg/api"
)

func TestRecover_RedispatchesPendingActivityAfterCrash(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()

	// The first process dispatches ingestion and dies before running it.
	crashed := newHarness(t, store, newPipeline(), func(c *Config) {
		c.Owner = "crashed"
		c.LeaseTTL = 500 * time.Millisecond
	})
	id, err := crashed.eng.StartWorkflow(ctx, api.TaskFullPipeline, map[string]any{"notes": "x"})
	require.NoError(t, err)
	before, err := crashed.eng.GetState(ctx, id)
	require.NoError(t, err)

	p := newPipeline(0.9)
	survivor := newHarness(t, store, p, func(c *Config) { c.Owner = "survivor" })

	// Skipped while the crashed process still holds the lease.
	n, err := survivor.eng.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.Eventually(t, func() bool {
		n, err := survivor.eng.Recover(ctx)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	survivor.run(t)
	st := survivor.waitFor(t, id, terminal)
	require.Equal(t, api.StatusComplete, st.Status)

	// Same epoch, same idempotency key as the original dispatch.
	require.Equal(t, []string{before.Pending.IdempotencyKey}, p.calls(api.ActivityIngest))

	// The crashed process's queued task is outdated by now.
	task, err := crashed.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, crashed.eng.HandleTask(ctx, *task))

	after, err := survivor.eng.GetState(ctx, id)
	require.NoError(t, err)
	require.Equal(t, st.Seq, after.Seq)
}

func TestRecover_RebuildsStateFromLog(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	first := newHarness(t, store, newPipeline(0.5), func(c *Config) { c.SnapshotEvery = 2 })

	id, err := first.eng.StartWorkflow(ctx, api.TaskFullPipeline, map[string]any{"notes": "x"})
	require.NoError(t, err)
	first.drain(t)
	parked, err := first.eng.GetState(ctx, id)
	require.NoError(t, err)
	require.True(t, parked.Flags.AwaitingHuman)

	second := newHarness(t, store, newPipeline(0.9), nil)
	n, err := second.eng.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recovered, err := second.eng.GetState(ctx, id)
	require.NoError(t, err)
	require.Equal(t, parked, recovered)

	require.NoError(t, second.eng.SubmitApproval(ctx, id, true, ""))
	second.drain(t)
	done, err := second.eng.GetState(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.StatusComplete, done.Status)
}

func TestRecover_RearmsApprovalTimeout(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	first := newHarness(t, store, newPipeline(0.5), func(c *Config) {
		c.Policy.ApprovalTimeout = 50 * time.Millisecond
	})

	id, err := first.eng.StartWorkflow(ctx, api.TaskFullPipeline, map[string]any{"notes": "x"})
	require.NoError(t, err)

	// Run until parked, then drop the process along with its armed timer.
	w := first.queue
	for i := 0; i < 3; i++ {
		task, err := w.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, first.eng.HandleTask(ctx, *task))
	}
	w.Close()
	st, err := first.eng.GetState(ctx, id)
	require.NoError(t, err)
	require.True(t, st.Flags.AwaitingHuman)

	second := newHarness(t, store, newPipeline(), nil)
	n, err := second.eng.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	second.run(t)

	st = second.waitFor(t, id, terminal)
	require.Equal(t, api.StatusError, st.Status)
	require.Equal(t, "approval_timeout", st.Cause())
}

func TestRecover_StartsWorkflowsThatNeverLeftRoute(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()

	st := api.NewWorkflowState("wf-orphan", api.TaskIngestOnly, map[string]any{"notes": "x"}, api.DefaultPolicy(), time.Now().UTC())
	require.NoError(t, store.SaveSnapshot(ctx, st))

	h := newHarness(t, store, newPipeline(), nil)
	n, err := h.eng.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.drain(t)

	got, err := h.eng.GetState(ctx, "wf-orphan")
	require.NoError(t, err)
	require.Equal(t, api.StatusComplete, got.Status)

	n, err = h.eng.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRun_PeriodicRecoveryAdoptsOrphans(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()

	orphaned := newHarness(t, store, newPipeline(), func(c *Config) {
		c.Owner = "short-lived"
		c.LeaseTTL = 300 * time.Millisecond
	})
	id, err := orphaned.eng.StartWorkflow(ctx, api.TaskComplianceOnly, map[string]any{"document": "ok"})
	require.NoError(t, err)

	// The long-running process starts before the orphan's lease expires and
	// adopts it on a later tick.
	p := newPipeline()
	server := newHarness(t, store, p, func(c *Config) {
		c.Owner = "server"
		c.RecoverEvery = 50 * time.Millisecond
	})
	server.run(t)

	st := server.waitFor(t, id, terminal)
	require.Equal(t, api.StatusComplete, st.Status)
	require.Len(t, p.calls(api.ActivityCompliance), 1)
}
