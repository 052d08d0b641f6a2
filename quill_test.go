package quill

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/quill/pkg/api"
	"github.com/petrijr/quill/pkg/stages"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []stages.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n stages.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testOptions(docs stages.DocumentStore, notifier stages.Notifier, obs Observer) Options {
	fast := ActivityConfig{Retry: Retry(3).WithConstantBackoff(time.Millisecond).Policy()}
	return Options{
		Observer: obs,
		Workers:  2,
		LeaseTTL: 2 * time.Second,
		Stages: stages.Config{
			Generator: stages.TemplateGenerator{TargetWords: 3},
			Documents: docs,
			Notifier:  notifier,
		},
		Activities: map[string]ActivityConfig{
			api.ActivityIngest:     fast,
			api.ActivityDraft:      fast,
			api.ActivityCritique:   fast,
			api.ActivityCompliance: fast,
			api.ActivityPublish:    fast,
		},
	}
}

var artifacts = map[string]any{
	"title":     "Quarterly update",
	"notes":     "Revenue grew in every region and churn fell for the third quarter",
	"recipient": "editor@example.com",
}

func TestInMemoryEngine_FullPipelineWithApproval(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docs := stages.NewMemoryDocumentStore()
	notifier := &recordingNotifier{}
	metrics := &BasicMetrics{}

	eng, err := NewInMemoryEngine(testOptions(docs, stages.NewDedupNotifier(notifier), metrics))
	require.NoError(t, err)

	runner := NewLocalRunner(eng)
	require.NoError(t, runner.Start(ctx))
	defer func() { require.NoError(t, runner.Stop()) }()

	id, err := eng.StartWorkflow(ctx, TaskFullPipeline, artifacts)
	require.NoError(t, err)

	parked, err := runner.Await(ctx, id)
	require.NoError(t, err)
	require.True(t, parked.Flags.AwaitingHuman)
	require.Equal(t, api.StageRevision, parked.Stage)

	_, err = eng.GetResult(ctx, id)
	require.ErrorIs(t, err, api.ErrNotReady)

	require.NoError(t, eng.SubmitApproval(ctx, id, true, "ship it"))

	done, err := runner.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, done.Status)
	require.Equal(t, api.StageDone, done.Stage)

	result, err := eng.GetResult(ctx, id)
	require.NoError(t, err)
	final, ok := result["final_document"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, final["notified"])
	require.Contains(t, final["location"], "mem://published/")

	require.Equal(t, 2, docs.Len(), "ingest and publish each store one document")
	require.Equal(t, 1, notifier.count())

	snap := metrics.Snapshot()
	require.Equal(t, int64(1), snap.WorkflowsStarted)
	require.Equal(t, int64(1), snap.WorkflowsCompleted)

	err = eng.SubmitApproval(ctx, id, true, "again")
	require.ErrorIs(t, err, api.ErrNotAwaitingApproval)
}

func TestInMemoryEngine_ComplianceOnlyRejectsBannedTerm(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := testOptions(nil, nil, nil)
	opts.Stages.BannedTerms = []string{"guaranteed"}
	eng, err := NewInMemoryEngine(opts)
	require.NoError(t, err)

	runner := NewLocalRunner(eng)
	require.NoError(t, runner.Start(ctx))
	defer func() { require.NoError(t, runner.Stop()) }()

	id, err := eng.StartWorkflow(ctx, TaskComplianceOnly, map[string]any{
		"document": "Returns are Guaranteed for every investor.",
	})
	require.NoError(t, err)

	st, err := runner.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, st.Status)

	report, ok := st.Artifacts["compliance_report"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, report["passed"])
}

func TestLocalRunner_StartTwiceFails(t *testing.T) {
	eng, err := NewInMemoryEngine(Options{})
	require.NoError(t, err)

	runner := NewLocalRunner(eng)
	require.NoError(t, runner.Start(context.Background()))
	require.Error(t, runner.Start(context.Background()))
	require.NoError(t, runner.Stop())
	require.NoError(t, runner.Stop())
}

func TestLocalRunner_AwaitHonoursContext(t *testing.T) {
	eng, err := NewInMemoryEngine(Options{})
	require.NoError(t, err)
	runner := NewLocalRunner(eng)

	ctx := context.Background()
	id, err := eng.StartWorkflow(ctx, TaskFullPipeline, artifacts)
	require.NoError(t, err)

	// No workers run, so the workflow never leaves ingestion.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = runner.Await(short, id)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestOpenSQLite_DurableAcrossReopen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "quill.db")

	first, err := OpenSQLite(ctx, path, testOptions(nil, nil, nil))
	require.NoError(t, err)
	runner := NewLocalRunner(first.Engine)
	require.NoError(t, runner.Start(ctx))

	id, err := first.Engine.StartWorkflow(ctx, TaskFullPipeline, artifacts)
	require.NoError(t, err)
	_, err = runner.Await(ctx, id)
	require.NoError(t, err)
	require.NoError(t, runner.Stop())
	require.NoError(t, first.Close())

	second, err := OpenSQLite(ctx, path, testOptions(nil, nil, nil))
	require.NoError(t, err)
	defer second.Close()

	n, err := Recover(ctx, second.Engine)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	runner = NewLocalRunner(second.Engine)
	require.NoError(t, runner.Start(ctx))
	defer func() { require.NoError(t, runner.Stop()) }()

	st, err := second.Engine.GetState(ctx, id)
	require.NoError(t, err)
	require.True(t, st.Flags.AwaitingHuman)

	require.NoError(t, second.Engine.SubmitApproval(ctx, id, true, ""))
	st, err = runner.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, st.Status)

	history, err := second.Engine.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 7)
}
