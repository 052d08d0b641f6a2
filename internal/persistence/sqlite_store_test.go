package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/quill/pkg/api"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, newSQLiteTestStore)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quill.db")

	open := func() (*sql.DB, *SQLStore) {
		db, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		s, err := NewSQLiteStore(ctx, db)
		require.NoError(t, err)
		return db, s
	}

	db, s := open()
	st := newTestState(api.TaskFullPipeline)
	require.NoError(t, s.SaveSnapshot(ctx, st))
	lease, ok, err := s.TryAcquireLease(ctx, st.WorkflowID, "owner1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.AppendEntry(ctx, testEntry(st.WorkflowID, 1, api.StageIngestion, api.StatusInProgress), lease.Token))
	require.NoError(t, db.Close())

	db, s = open()
	defer db.Close()
	entries, err := s.ListEntries(ctx, st.WorkflowID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	sums, err := s.ListWorkflows(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, int64(1), sums[0].LastSeq)
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c IN (?, ?)"
	require.Equal(t, q, sqliteDialect.rebind(q))
	require.Equal(t, "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)", postgresDialect.rebind(q))
}
