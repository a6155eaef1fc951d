package engine_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/internal/engine"
	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/types"
)

func twoContainerTree(buildID string, failFast bool) *types.BuildTree {
	return types.NewTreeBuilder(buildID, "proj", "pipe", "alice").
		Stage("s1", failFast).
		Container("c1", "").
		Task("t1", "unit", `{}`).
		Container("c2", "").
		Task("t2", "lint", `{}`).
		Stage("s2", false).
		Container("c3", "").
		Task("t3", "deploy", `{}`).
		MustBuild()
}

func TestBuildRunsToSuccess(t *testing.T) {
	h := newHarness(t)
	h.seed(sampleTree("b1", false))

	h.runContainer("b1", "c1", nil)
	assert.Equal(t, types.BuildStatusSucceed, h.container("b1", "c1").Status)
	assert.Equal(t, types.BuildStatusSucceed, h.stage("b1", "s1").Status)
	assert.Equal(t, types.BuildStatusRunning, h.build("b1").Status)

	h.runContainer("b1", "c2", nil)
	assertAllFinished(t, h.snapshot("b1"))
	assert.Equal(t, types.BuildStatusSucceed, h.build("b1").Status)
	assert.False(t, h.build("b1").EndTime.IsZero())
}

func TestPauseAndContinueEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.seed(sampleTree("b1", false))

	for _, want := range []string{"startVM-c1", "t1"} {
		task, err := h.engine.ClaimTask(h.ctx, "b1", "c1")
		require.NoError(t, err)
		require.Equal(t, want, task.TaskID)
		require.NoError(t, h.engine.ReportTaskResult(h.ctx, "b1", task.TaskID, types.BuildStatusSucceed))
	}
	task, err := h.engine.ClaimTask(h.ctx, "b1", "c1")
	require.NoError(t, err)
	require.Equal(t, "t2", task.TaskID)

	require.NoError(t, h.engine.PauseTask(h.ctx, "b1", "t2", `{"env":"staging"}`))

	assert.Equal(t, types.BuildStatusPause, h.task("b1", "t2").Status)
	assert.Equal(t, types.BuildStatusSucceed, h.task("b1", "stopVM-c1").Status, "teardown runs while parked")
	assert.Equal(t, types.BuildStatusPause, h.container("b1", "c1").Status)
	assert.Equal(t, types.BuildStatusPause, h.stage("b1", "s1").Status)
	assert.Equal(t, types.BuildStatusRunning, h.build("b1").Status)

	pv, err := h.memory.GetPauseValue(h.ctx, "b1", "t2")
	require.NoError(t, err)
	assert.Equal(t, `{"env":"prod"}`, pv.DefaultValue)
	assert.Equal(t, `{"env":"staging"}`, pv.NewValue)
	assert.Equal(t, 1, pv.ExecuteCount)
	assert.False(t, pv.Consumed)

	idle, err := h.engine.ClaimTask(h.ctx, "b1", "c1")
	require.NoError(t, err)
	assert.Nil(t, idle, "a paused container hands out nothing")

	require.NoError(t, h.engine.UpdatePauseValue(h.ctx, "b1", "t2", `{"env":"qa"}`))
	require.NoError(t, h.engine.HandlePauseEvent(h.ctx, continueEvent("alice")))
	h.drain()

	assert.JSONEq(t, `{"env":"qa","executeCount":1}`, h.task("b1", "t2").TaskParams)
	err = h.engine.UpdatePauseValue(h.ctx, "b1", "t2", `{"env":"prod"}`)
	assert.ErrorIs(t, err, store.ErrConflict)

	h.runContainer("b1", "c1", nil)
	h.runContainer("b1", "c2", nil)
	assert.Equal(t, types.BuildStatusSucceed, h.build("b1").Status)

	lines := h.buildLog.Lines("b1")
	require.Len(t, lines, 2)
	assert.Equal(t, "[approve] paused, waiting for user to continue or terminate", lines[0].Message)
	assert.Equal(t, "[approve] processed. user: alice, action: continue", lines[1].Message)
}

func TestPauseTaskValidation(t *testing.T) {
	h := newHarness(t)
	h.seed(sampleTree("b1", false))

	err := h.engine.PauseTask(h.ctx, "b1", "t1", `[1,2]`)
	assert.ErrorIs(t, err, engine.ErrInvalidParams)

	err = h.engine.PauseTask(h.ctx, "b1", "t1", "")
	assert.ErrorIs(t, err, store.ErrConflict, "only running tasks can pause")

	err = h.engine.UpdatePauseValue(h.ctx, "b1", "t1", `"text"`)
	assert.ErrorIs(t, err, engine.ErrInvalidParams)
}

func TestReportTaskResult(t *testing.T) {
	h := newHarness(t)
	h.seed(sampleTree("b1", false))

	task, err := h.engine.ClaimTask(h.ctx, "b1", "c1")
	require.NoError(t, err)

	err = h.engine.ReportTaskResult(h.ctx, "b1", task.TaskID, types.BuildStatusRunning)
	assert.ErrorIs(t, err, engine.ErrInvalidResult)

	require.NoError(t, h.engine.ReportTaskResult(h.ctx, "b1", task.TaskID, types.BuildStatusSucceed))
	require.NoError(t, h.engine.ReportTaskResult(h.ctx, "b1", task.TaskID, types.BuildStatusSucceed), "repeat report is accepted")
	assert.Empty(t, h.dispatcher.Events())

	err = h.engine.ReportTaskResult(h.ctx, "b1", "t1", types.BuildStatusSucceed)
	assert.ErrorIs(t, err, store.ErrConflict, "t1 was never claimed")
}

func TestFailedTaskEndsContainer(t *testing.T) {
	h := newHarness(t)
	h.seed(sampleTree("b1", false))

	h.runContainer("b1", "c1", map[string]types.BuildStatus{"t1": types.BuildStatusFailed})

	assert.Equal(t, types.BuildStatusFailed, h.container("b1", "c1").Status)
	assert.Equal(t, types.BuildStatusCanceled, h.task("b1", "t2").Status)
	assert.Equal(t, types.BuildStatusFailed, h.stage("b1", "s1").Status)
	assert.Equal(t, types.BuildStatusSkip, h.stage("b1", "s2").Status)
	assert.Equal(t, types.BuildStatusSkip, h.task("b1", "t3").Status)
	assert.Equal(t, types.BuildStatusFailed, h.build("b1").Status)
}

func TestFailFastCancelsSiblings(t *testing.T) {
	h := newHarness(t)
	h.seed(twoContainerTree("b1", true))

	boot, err := h.engine.ClaimTask(h.ctx, "b1", "c2")
	require.NoError(t, err)
	require.Equal(t, "startVM-c2", boot.TaskID)

	h.runContainer("b1", "c1", map[string]types.BuildStatus{"t1": types.BuildStatusFailed})

	assert.Equal(t, types.BuildStatusFailed, h.container("b1", "c1").Status)
	assert.Equal(t, types.BuildStatusCanceled, h.container("b1", "c2").Status)
	assert.Equal(t, types.BuildStatusCanceled, h.task("b1", "startVM-c2").Status)
	assert.Equal(t, types.BuildStatusFailed, h.stage("b1", "s1").Status)
	assert.Equal(t, types.BuildStatusSkip, h.container("b1", "c3").Status)
	assert.Equal(t, types.BuildStatusSkip, h.stage("b1", "s2").Status)
	assert.Equal(t, types.BuildStatusFailed, h.build("b1").Status)
	assertAllFinished(t, h.snapshot("b1"))
}

func TestWithoutFailFastSiblingsFinish(t *testing.T) {
	h := newHarness(t)
	h.seed(twoContainerTree("b1", false))

	h.runContainer("b1", "c1", map[string]types.BuildStatus{"t1": types.BuildStatusFailed})
	assert.Equal(t, types.BuildStatusQueue, h.container("b1", "c2").Status)
	assert.False(t, h.stage("b1", "s1").Status.IsFinish())

	h.runContainer("b1", "c2", nil)
	assert.Equal(t, types.BuildStatusSucceed, h.container("b1", "c2").Status)
	assert.Equal(t, types.BuildStatusFailed, h.stage("b1", "s1").Status)
	assert.Equal(t, types.BuildStatusSkip, h.stage("b1", "s2").Status)
	assert.Equal(t, types.BuildStatusFailed, h.build("b1").Status)
}

func TestLaterStageWaits(t *testing.T) {
	h := newHarness(t)
	h.seed(sampleTree("b1", false))

	task, err := h.engine.ClaimTask(h.ctx, "b1", "c2")
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Zero(t, h.store.Writes())
}

func TestClaimTaskSingleActive(t *testing.T) {
	h := newHarness(t)
	h.seed(sampleTree("b1", false))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := h.engine.ClaimTask(h.ctx, "b1", "c1")
			assert.NoError(t, err)
			if task != nil {
				mu.Lock()
				claimed = append(claimed, task.TaskID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"startVM-c1"}, claimed)

	active := 0
	for _, task := range h.snapshot("b1").Tasks {
		if task.ContainerID == "c1" && task.Status.IsActive() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestClaimTaskMissingBuild(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.ClaimTask(h.ctx, "nope", "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, engine.IsNotRunnable(err))
}
