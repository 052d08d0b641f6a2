package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/quill/pkg/api"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestState(task api.Task) *api.WorkflowState {
	return api.NewWorkflowState(uuid.NewString(), task, map[string]any{"notes": "hello"}, api.DefaultPolicy(), testTime)
}

func testEntry(id string, seq int64, to api.Stage, status api.Status) api.LogEntry {
	ev := api.StartEvent()
	ev.At = testTime.Add(time.Duration(seq) * time.Second)
	return api.LogEntry{
		WorkflowID: id,
		Seq:        seq,
		Event:      ev,
		Delta:      api.StateDelta{From: api.StageRoute, To: to, Status: status, Epoch: seq},
		At:         ev.At,
	}
}

// runStoreContract exercises the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("snapshot round trip", func(t *testing.T) {
		s := newStore(t)
		st := newTestState(api.TaskFullPipeline)

		_, err := s.LoadSnapshot(ctx, st.WorkflowID)
		require.ErrorIs(t, err, ErrWorkflowNotFound)

		require.NoError(t, s.SaveSnapshot(ctx, st))
		got, err := s.LoadSnapshot(ctx, st.WorkflowID)
		require.NoError(t, err)
		require.Equal(t, st.WorkflowID, got.WorkflowID)
		require.Equal(t, api.StageRoute, got.Stage)
		require.Equal(t, "hello", got.Artifacts["notes"])
		require.True(t, st.CreatedAt.Equal(got.CreatedAt))
		require.Equal(t, st.Policy, got.Policy)
	})

	t.Run("snapshots never move backwards", func(t *testing.T) {
		s := newStore(t)
		st := newTestState(api.TaskFullPipeline)
		require.NoError(t, s.SaveSnapshot(ctx, st))

		newer := st.Clone()
		newer.Seq = 5
		newer.Stage = api.StageCritique
		require.NoError(t, s.SaveSnapshot(ctx, newer))

		older := st.Clone()
		older.Seq = 3
		older.Stage = api.StageDrafting
		require.NoError(t, s.SaveSnapshot(ctx, older))

		got, err := s.LoadSnapshot(ctx, st.WorkflowID)
		require.NoError(t, err)
		require.Equal(t, int64(5), got.Seq)
		require.Equal(t, api.StageCritique, got.Stage)
	})

	t.Run("append enforces sequence and fence", func(t *testing.T) {
		s := newStore(t)
		st := newTestState(api.TaskFullPipeline)
		require.NoError(t, s.SaveSnapshot(ctx, st))

		lease, ok, err := s.TryAcquireLease(ctx, st.WorkflowID, "owner-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.AppendEntry(ctx, testEntry(st.WorkflowID, 1, api.StageIngestion, api.StatusInProgress), lease.Token))
		require.ErrorIs(t, s.AppendEntry(ctx, testEntry(st.WorkflowID, 1, api.StageIngestion, api.StatusInProgress), lease.Token), ErrSequenceConflict)
		require.ErrorIs(t, s.AppendEntry(ctx, testEntry(st.WorkflowID, 3, api.StageDrafting, api.StatusInProgress), lease.Token), ErrSequenceConflict)
		require.ErrorIs(t, s.AppendEntry(ctx, testEntry(st.WorkflowID, 2, api.StageDrafting, api.StatusInProgress), lease.Token+1), ErrFenced)
		require.NoError(t, s.AppendEntry(ctx, testEntry(st.WorkflowID, 2, api.StageDrafting, api.StatusInProgress), lease.Token))

		all, err := s.ListEntries(ctx, st.WorkflowID, 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, int64(1), all[0].Seq)
		require.Equal(t, int64(2), all[1].Seq)
		require.Equal(t, api.StageDrafting, all[1].Delta.To)
		require.Equal(t, api.EventStartRequested, all[1].Event.Type)

		tail, err := s.ListEntries(ctx, st.WorkflowID, 1)
		require.NoError(t, err)
		require.Len(t, tail, 1)

		none, err := s.ListEntries(ctx, st.WorkflowID, 2)
		require.NoError(t, err)
		require.Empty(t, none)

		err = s.AppendEntry(ctx, testEntry(uuid.NewString(), 1, api.StageIngestion, api.StatusInProgress), lease.Token)
		require.ErrorIs(t, err, ErrWorkflowNotFound)
		_, err = s.ListEntries(ctx, uuid.NewString(), 0)
		require.ErrorIs(t, err, ErrWorkflowNotFound)
	})

	t.Run("summaries follow the log", func(t *testing.T) {
		s := newStore(t)
		task := api.Task("contract-" + uuid.NewString())
		a := newTestState(task)
		b := newTestState(task)
		b.CreatedAt = a.CreatedAt.Add(time.Second)
		require.NoError(t, s.SaveSnapshot(ctx, a))
		require.NoError(t, s.SaveSnapshot(ctx, b))

		lease, ok, err := s.TryAcquireLease(ctx, b.WorkflowID, "owner-1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.AppendEntry(ctx, testEntry(b.WorkflowID, 1, api.StageIngestion, api.StatusError), lease.Token))

		all, err := s.ListWorkflows(ctx, Filter{Task: task})
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, a.WorkflowID, all[0].WorkflowID)
		require.Equal(t, api.StageIngestion, all[1].Stage)
		require.Equal(t, api.StatusError, all[1].Status)
		require.Equal(t, int64(1), all[1].LastSeq)

		activeOnly, err := s.ListWorkflows(ctx, Filter{Task: task, ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, activeOnly, 1)
		require.Equal(t, a.WorkflowID, activeOnly[0].WorkflowID)

		byStage, err := s.ListWorkflows(ctx, Filter{Task: task, Stage: api.StageIngestion})
		require.NoError(t, err)
		require.Len(t, byStage, 1)
		require.Equal(t, b.WorkflowID, byStage[0].WorkflowID)
	})

	t.Run("lease acquire renew release", func(t *testing.T) {
		s := newStore(t)
		st := newTestState(api.TaskFullPipeline)
		require.NoError(t, s.SaveSnapshot(ctx, st))

		l1, ok, err := s.TryAcquireLease(ctx, st.WorkflowID, "owner1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "expected owner1 to acquire")

		_, ok, err = s.TryAcquireLease(ctx, st.WorkflowID, "owner2", time.Minute)
		require.NoError(t, err)
		require.False(t, ok, "expected owner2 not to acquire while active")

		again, ok, err := s.TryAcquireLease(ctx, st.WorkflowID, "owner1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "lease must be re-entrant for its owner")
		require.Equal(t, l1.Token, again.Token)

		_, err = s.RenewLease(ctx, l1, time.Minute)
		require.NoError(t, err)

		_, err = s.RenewLease(ctx, Lease{WorkflowID: st.WorkflowID, Owner: "owner2", Token: l1.Token}, time.Minute)
		require.ErrorIs(t, err, ErrLeaseLost)

		require.NoError(t, s.ReleaseLease(ctx, l1))
		require.NoError(t, s.ReleaseLease(ctx, l1))

		l2, ok, err := s.TryAcquireLease(ctx, st.WorkflowID, "owner2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "expected owner2 to acquire after release")
		require.Greater(t, l2.Token, l1.Token)

		_, err = s.RenewLease(ctx, l1, time.Minute)
		require.ErrorIs(t, err, ErrLeaseLost)

		err = s.AppendEntry(ctx, testEntry(st.WorkflowID, 1, api.StageIngestion, api.StatusInProgress), l1.Token)
		require.ErrorIs(t, err, ErrFenced)
		require.NoError(t, s.AppendEntry(ctx, testEntry(st.WorkflowID, 1, api.StageIngestion, api.StatusInProgress), l2.Token))
	})

	t.Run("lease expires", func(t *testing.T) {
		s := newStore(t)
		st := newTestState(api.TaskFullPipeline)
		require.NoError(t, s.SaveSnapshot(ctx, st))

		l1, ok, err := s.TryAcquireLease(ctx, st.WorkflowID, "owner1", 30*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(80 * time.Millisecond)

		l2, ok, err := s.TryAcquireLease(ctx, st.WorkflowID, "owner2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok, "expected owner2 to acquire after expiry")
		require.Greater(t, l2.Token, l1.Token)
	})

	t.Run("concurrent acquire has one winner", func(t *testing.T) {
		s := newStore(t)
		st := newTestState(api.TaskFullPipeline)
		require.NoError(t, s.SaveSnapshot(ctx, st))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			acquired []string
		)
		for _, owner := range []string{"owner1", "owner2", "owner3", "owner4"} {
			wg.Add(1)
			go func(o string) {
				defer wg.Done()
				_, ok, err := s.TryAcquireLease(ctx, st.WorkflowID, o, time.Minute)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				acquired = append(acquired, o)
				mu.Unlock()
			}(owner)
		}
		wg.Wait()

		require.Len(t, acquired, 1, "expected exactly one acquirer, got %v", acquired)
	})

	t.Run("unknown workflow lease", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.TryAcquireLease(ctx, uuid.NewString(), "owner1", time.Minute)
		require.ErrorIs(t, err, ErrWorkflowNotFound)
	})
}
