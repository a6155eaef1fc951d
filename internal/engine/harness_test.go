package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/internal/engine"
	"github.com/buildflow/buildflow/internal/lock"
	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/buildlog"
	"github.com/buildflow/buildflow/pkg/detail"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/mocks"
	"github.com/buildflow/buildflow/pkg/types"
)

type harness struct {
	t          *testing.T
	ctx        context.Context
	engine     *engine.Engine
	memory     *store.MemoryStore
	store      *mocks.FaultyStore
	locks      *mocks.TrackingLocker
	dispatcher *mocks.MockDispatcher
	detail     *detail.Service
	buildLog   *buildlog.Printer
}

type harnessOption func(*interfaces.EngineDependencies)

func withDetail(d interfaces.DetailService) harnessOption {
	return func(deps *interfaces.EngineDependencies) { deps.Detail = d }
}

func withBuildLog(b interfaces.BuildLogPrinter) harnessOption {
	return func(deps *interfaces.EngineDependencies) { deps.BuildLog = b }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	log := logger.NewNopLogger()
	h := &harness{
		t:          t,
		ctx:        context.Background(),
		memory:     store.NewMemoryStore(),
		locks:      mocks.NewTrackingLocker(lock.NewLocalLocker()),
		dispatcher: mocks.NewMockDispatcher(),
		detail:     detail.New(detail.Config{Enabled: true}, log),
		buildLog:   buildlog.NewPrinter(log, 0),
	}
	h.store = mocks.NewFaultyStore(mocks.NewExclusiveStore(h.memory, h.locks))

	deps := interfaces.EngineDependencies{
		Store:      h.store,
		Locker:     h.locks,
		Dispatcher: h.dispatcher,
		Detail:     h.detail,
		BuildLog:   h.buildLog,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.engine = engine.New(deps, log, engine.WithLockTimeout(2*time.Second))

	t.Cleanup(func() {
		if v := h.locks.Violations(); len(v) > 0 {
			t.Errorf("lock exclusivity violated: %v", v)
		}
	})
	return h
}

// sampleTree: stage s1 / container c1 runs compile (t1) and approve (t2);
// stage s2 / container c2 runs deploy (t3)
func sampleTree(buildID string, failFast bool) *types.BuildTree {
	return types.NewTreeBuilder(buildID, "proj", "pipe", "alice").
		Stage("s1", failFast).
		Container("c1", types.DefaultContainerType).
		Task("t1", "compile", `{"target":"all"}`).
		Task("t2", "approve", `{"env":"prod"}`).
		Stage("s2", false).
		Container("c2", "").
		Task("t3", "deploy", `{}`).
		MustBuild()
}

// pausedTree is sampleTree after t1 succeeded and t2 paused with edited params
func pausedTree(buildID string) *types.BuildTree {
	tree := sampleTree(buildID, false)
	tree.Build.Status = types.BuildStatusRunning
	setStageStatus(tree, "s1", types.BuildStatusPause)
	setContainerStatus(tree, "c1", types.BuildStatusPause)
	for i := range tree.Tasks {
		task := &tree.Tasks[i]
		if task.ContainerID != "c1" {
			continue
		}
		task.Status = types.BuildStatusSucceed
		if task.TaskID == "t2" {
			task.Status = types.BuildStatusPause
		}
	}
	tree.Pauses = []types.PauseValue{{
		BuildID:      buildID,
		TaskID:       "t2",
		DefaultValue: `{"env":"prod"}`,
		NewValue:     `{"env":"staging"}`,
		ExecuteCount: 1,
		CreateTime:   time.Now(),
	}}
	return tree
}

func setStageStatus(tree *types.BuildTree, stageID string, status types.BuildStatus) {
	for i := range tree.Stages {
		if tree.Stages[i].StageID == stageID {
			tree.Stages[i].Status = status
		}
	}
}

func setContainerStatus(tree *types.BuildTree, containerID string, status types.BuildStatus) {
	for i := range tree.Containers {
		if tree.Containers[i].ContainerID == containerID {
			tree.Containers[i].Status = status
		}
	}
}

func (h *harness) seed(tree *types.BuildTree) {
	h.t.Helper()
	require.NoError(h.t, h.memory.CreateBuild(h.ctx, tree))
}

func (h *harness) task(buildID, taskID string) types.Task {
	h.t.Helper()
	task, err := h.memory.GetTask(h.ctx, buildID, taskID)
	require.NoError(h.t, err)
	return *task
}

func (h *harness) container(buildID, containerID string) types.Container {
	h.t.Helper()
	c, err := h.memory.GetContainer(h.ctx, buildID, "", containerID)
	require.NoError(h.t, err)
	return *c
}

func (h *harness) stage(buildID, stageID string) types.Stage {
	h.t.Helper()
	stages, err := h.memory.ListStages(h.ctx, buildID)
	require.NoError(h.t, err)
	for _, s := range stages {
		if s.StageID == stageID {
			return s
		}
	}
	h.t.Fatalf("stage %s not found", stageID)
	return types.Stage{}
}

func (h *harness) build(buildID string) types.Build {
	h.t.Helper()
	b, err := h.memory.GetBuild(h.ctx, buildID)
	require.NoError(h.t, err)
	return *b
}

func (h *harness) snapshot(buildID string) *types.BuildTree {
	h.t.Helper()
	tree, err := h.memory.GetBuildTree(h.ctx, buildID)
	require.NoError(h.t, err)
	return tree
}

// drain delivers every dispatched event to the engine until none are left
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		events := h.dispatcher.Events()
		if len(events) == 0 {
			return
		}
		h.dispatcher.Reset()
		for _, ev := range events {
			require.NoError(h.t, h.engine.Handle(h.ctx, ev))
		}
	}
	h.t.Fatal("events kept flowing")
}

// runContainer plays the agent of a container until it has nothing left to
// claim. Tasks report SUCCEED unless results says otherwise.
func (h *harness) runContainer(buildID, containerID string, results map[string]types.BuildStatus) {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		task, err := h.engine.ClaimTask(h.ctx, buildID, containerID)
		if engine.IsNotRunnable(err) {
			return
		}
		require.NoError(h.t, err)
		if task == nil {
			return
		}
		result := types.BuildStatusSucceed
		if r, ok := results[task.TaskID]; ok {
			result = r
		}
		require.NoError(h.t, h.engine.ReportTaskResult(h.ctx, buildID, task.TaskID, result))
		h.drain()
	}
	h.t.Fatal("container never ran out of tasks")
}
