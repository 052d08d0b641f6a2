package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/quill/pkg/api"
)

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_ReturnsDecodedCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	st := newTestState(api.TaskFullPipeline)
	st.Artifacts["score"] = 3
	require.NoError(t, s.SaveSnapshot(ctx, st))

	got, err := s.LoadSnapshot(ctx, st.WorkflowID)
	require.NoError(t, err)
	// Numbers come back the way a durable backend returns them.
	require.Equal(t, float64(3), got.Artifacts["score"])

	got.Artifacts["notes"] = "changed"
	again, err := s.LoadSnapshot(ctx, st.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, "hello", again.Artifacts["notes"])
}
