// Package storetest holds the behaviour every BuildStore adapter must share
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/types"
)

// Factory returns a fresh, empty store
type Factory func(t *testing.T) interfaces.BuildStore

// SampleTree builds a two-stage tree: s1/c1 with t1,t2 and s2/c2 with t3
func SampleTree(buildID string) *types.BuildTree {
	return types.NewTreeBuilder(buildID, "proj", "pipe", "alice").
		Stage("s1", false).
		Container("c1", types.DefaultContainerType).
		Task("t1", "compile", `{"target":"all"}`).
		Task("t2", "test", `{}`).
		Stage("s2", false).
		Container("c2", "").
		Task("t3", "deploy", `{"env":"prod"}`).
		MustBuild()
}

// Run exercises a store adapter
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndRead", func(t *testing.T) { testCreateAndRead(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("CreateInvalid", func(t *testing.T) { testCreateInvalid(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, newStore(t)) })
	t.Run("Timestamps", func(t *testing.T) { testTimestamps(t, newStore(t)) })
	t.Run("PauseValue", func(t *testing.T) { testPauseValue(t, newStore(t)) })
	t.Run("PauseValueConcurrentApply", func(t *testing.T) { testConcurrentApply(t, newStore(t)) })
	t.Run("CancelUser", func(t *testing.T) { testCancelUser(t, newStore(t)) })
	t.Run("Retention", func(t *testing.T) { testRetention(t, newStore(t)) })
}

func testCreateAndRead(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBuild(ctx, SampleTree("b1")))

	build, err := s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusQueue, build.Status)
	assert.Equal(t, "alice", build.StartUser)

	stages, err := s.ListStages(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "s1", stages[0].StageID)
	assert.Equal(t, "s2", stages[1].StageID)

	all, err := s.ListContainers(ctx, "b1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	containers, err := s.ListContainers(ctx, "b1", "s2")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "c2", containers[0].ContainerID)

	tasks, err := s.GetAllTasks(ctx, "b1", "s1", "c1")
	require.NoError(t, err)
	require.Len(t, tasks, 5)
	assert.True(t, types.IsBootstrapTask(&tasks[0]))
	assert.Equal(t, "t1", tasks[1].TaskID)
	assert.Equal(t, "t2", tasks[2].TaskID)
	assert.True(t, types.IsTeardownTask(&tasks[3]))
	assert.True(t, types.IsTeardownTask(&tasks[4]))
	for i, task := range tasks {
		assert.Equal(t, i+1, task.TaskSeq)
	}

	task, err := s.GetTask(ctx, "b1", "t3")
	require.NoError(t, err)
	assert.Equal(t, "s2", task.StageID)
	assert.Equal(t, `{"env":"prod"}`, task.TaskParams)

	container, err := s.GetContainer(ctx, "b1", "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultContainerType, container.ContainerType)

	tree, err := s.GetBuildTree(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, tree.Tasks, 9)

	require.NoError(t, s.Ping(ctx))
}

func testCreateDuplicate(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBuild(ctx, SampleTree("b1")))
	err := s.CreateBuild(ctx, SampleTree("b1"))
	assert.ErrorIs(t, err, store.ErrExists)
}

func testCreateInvalid(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	tree := SampleTree("b1")
	tree.Tasks[0].ContainerID = "missing"
	assert.ErrorIs(t, s.CreateBuild(ctx, tree), store.ErrInvalidTree)

	_, err := s.GetBuild(ctx, "b1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testNotFound(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBuild(ctx, SampleTree("b1")))

	_, err := s.GetBuild(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetTask(ctx, "b1", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetContainer(ctx, "b1", "s2", "c1")
	assert.ErrorIs(t, err, store.ErrNotFound, "container must belong to the stage")

	_, err = s.GetAllTasks(ctx, "b1", "s1", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetPauseValue(ctx, "b1", "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.UpdateTaskStatus(ctx, "b1", "nope", types.BuildStatusQueue, types.BuildStatusRunning)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCompareAndSwap(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBuild(ctx, SampleTree("b1")))

	require.NoError(t, s.UpdateTaskStatus(ctx, "b1", "t1", types.BuildStatusQueue, types.BuildStatusRunning))
	err := s.UpdateTaskStatus(ctx, "b1", "t1", types.BuildStatusQueue, types.BuildStatusRunning)
	assert.ErrorIs(t, err, store.ErrConflict)

	// same-status CAS is an accepted no-op
	require.NoError(t, s.UpdateTaskStatus(ctx, "b1", "t1", types.BuildStatusRunning, types.BuildStatusRunning))

	require.NoError(t, s.UpdateContainerStatus(ctx, "b1", "c1", types.BuildStatusQueue, types.BuildStatusRunning))
	assert.ErrorIs(t, s.UpdateContainerStatus(ctx, "b1", "c1", types.BuildStatusQueue, types.BuildStatusPause), store.ErrConflict)

	require.NoError(t, s.UpdateStageStatus(ctx, "b1", "s1", types.BuildStatusQueue, types.BuildStatusRunning))
	assert.ErrorIs(t, s.UpdateStageStatus(ctx, "b1", "s1", types.BuildStatusQueue, types.BuildStatusRunning), store.ErrConflict)

	require.NoError(t, s.UpdateBuildStatus(ctx, "b1", types.BuildStatusQueue, types.BuildStatusRunning))
	assert.ErrorIs(t, s.UpdateBuildStatus(ctx, "b1", types.BuildStatusQueue, types.BuildStatusCanceled), store.ErrConflict)

	require.NoError(t, s.UpdateTaskParams(ctx, "b1", "t2", `{"k":"v"}`))

	task, err := s.GetTask(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusRunning, task.Status)
	task, err = s.GetTask(ctx, "b1", "t2")
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`, task.TaskParams)

	build, err := s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusRunning, build.Status)
}

func testTimestamps(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBuild(ctx, SampleTree("b1")))

	require.NoError(t, s.UpdateTaskStatus(ctx, "b1", "t1", types.BuildStatusQueue, types.BuildStatusRunning))
	task, err := s.GetTask(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.False(t, task.StartTime.IsZero())
	assert.True(t, task.EndTime.IsZero())

	require.NoError(t, s.UpdateTaskStatus(ctx, "b1", "t1", types.BuildStatusRunning, types.BuildStatusSucceed))
	task, err = s.GetTask(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.False(t, task.EndTime.IsZero())

	require.NoError(t, s.UpdateTaskStatus(ctx, "b1", "t1", types.BuildStatusSucceed, types.BuildStatusQueue))
	task, err = s.GetTask(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.True(t, task.EndTime.IsZero(), "reset to QUEUE clears the end time")
}

func testPauseValue(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBuild(ctx, SampleTree("b1")))

	err := s.SavePauseValue(ctx, &types.PauseValue{
		BuildID:      "b1",
		TaskID:       "t1",
		DefaultValue: `{"target":"all"}`,
		NewValue:     `{"target":"lib"}`,
		ExecuteCount: 2,
	})
	require.NoError(t, err)

	pv, err := s.GetPauseValue(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.Equal(t, `{"target":"lib"}`, pv.NewValue)
	assert.False(t, pv.Consumed)
	assert.False(t, pv.CreateTime.IsZero())

	err = s.ApplyPauseValue(ctx, "b1", "t1", `{"target":"lib","executeCount":1}`, 1)
	assert.ErrorIs(t, err, store.ErrConflict, "other generation must not apply")

	require.NoError(t, s.ApplyPauseValue(ctx, "b1", "t1", `{"target":"lib","executeCount":2}`, 2))
	err = s.ApplyPauseValue(ctx, "b1", "t1", `{"target":"other","executeCount":2}`, 2)
	assert.ErrorIs(t, err, store.ErrConflict, "consumed value must not apply twice")

	task, err := s.GetTask(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.Equal(t, `{"target":"lib","executeCount":2}`, task.TaskParams)

	pv, err = s.GetPauseValue(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.True(t, pv.Consumed)

	// a later pause replaces the consumed value
	require.NoError(t, s.SavePauseValue(ctx, &types.PauseValue{BuildID: "b1", TaskID: "t1", NewValue: `{}`, ExecuteCount: 3}))
	pv, err = s.GetPauseValue(ctx, "b1", "t1")
	require.NoError(t, err)
	assert.False(t, pv.Consumed)
	assert.Equal(t, 3, pv.ExecuteCount)

	err = s.SavePauseValue(ctx, &types.PauseValue{BuildID: "b1", TaskID: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentApply(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBuild(ctx, SampleTree("b1")))
	require.NoError(t, s.SavePauseValue(ctx, &types.PauseValue{BuildID: "b1", TaskID: "t2", NewValue: `{}`, ExecuteCount: 1}))

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ApplyPauseValue(ctx, "b1", "t2", `{"executeCount":1}`, 1)
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func testCancelUser(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateBuild(ctx, SampleTree("b1")))
	require.NoError(t, s.UpdateBuildCancelUser(ctx, "b1", "bob"))
	require.NoError(t, s.UpdateBuildCancelUser(ctx, "b1", "bob"))

	build, err := s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "bob", build.CancelUser)
}

func testRetention(t *testing.T, s interfaces.BuildStore) {
	ctx := context.Background()
	for _, id := range []string{"old", "running"} {
		require.NoError(t, s.CreateBuild(ctx, SampleTree(id)))
	}
	require.NoError(t, s.UpdateBuildStatus(ctx, "old", types.BuildStatusQueue, types.BuildStatusCanceled))
	require.NoError(t, s.UpdateBuildStatus(ctx, "running", types.BuildStatusQueue, types.BuildStatusRunning))

	ids, err := s.ListFinishedBuilds(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	ids, err = s.ListFinishedBuilds(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, s.ArchiveBuild(ctx, "old"))
	_, err = s.GetBuild(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.ArchiveBuild(ctx, "old"), store.ErrNotFound)
	assert.ErrorIs(t, s.CreateBuild(ctx, SampleTree("old")), store.ErrExists)
}
