package badgerstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/internal/store/badgerstore"
	"github.com/buildflow/buildflow/internal/store/storetest"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

func TestBadgerStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.BuildStore {
		s, err := badgerstore.Open(badgerstore.Config{InMemory: true}, logger.NewNopLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := badgerstore.Open(badgerstore.Config{Path: dir, SyncWrites: true}, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, s.CreateBuild(ctx, storetest.SampleTree("b1")))
	require.NoError(t, s.UpdateTaskStatus(ctx, "b1", "t1", types.BuildStatusQueue, types.BuildStatusRunning))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(ctx), store.ErrUnavailable)

	reopened, err := badgerstore.Open(badgerstore.Config{Path: dir}, logger.NewNopLogger())
	require.NoError(t, err)
	defer reopened.Close()

	task, err := reopened.GetTask(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusRunning, task.Status)
}

func TestBadgerStoreRequiresPath(t *testing.T) {
	_, err := badgerstore.Open(badgerstore.Config{}, logger.NewNopLogger())
	assert.Error(t, err)
}
