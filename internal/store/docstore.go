package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/types"
)

// backend loads and saves whole build documents
type backend interface {
	load(buildID string) (*types.BuildTree, error)
	save(tree *types.BuildTree) error
	exists(buildID string) (bool, error)
	archive(buildID string) error
	list() ([]string, error)
	ping() error
}

// docStore implements BuildStore over a backend. Every mutation is a
// load-modify-save of one document inside a single critical section.
type docStore struct {
	mu      sync.RWMutex
	backend backend
	now     func() time.Time
}

var _ interfaces.BuildStore = (*docStore)(nil)

func (s *docStore) view(buildID string, fn func(*types.BuildTree) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, err := s.backend.load(buildID)
	if err != nil {
		return err
	}
	return fn(tree)
}

func (s *docStore) update(buildID string, fn func(*types.BuildTree) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, err := s.backend.load(buildID)
	if err != nil {
		return err
	}
	if err := fn(tree); err != nil {
		return err
	}
	return s.backend.save(tree)
}

func (s *docStore) GetBuild(_ context.Context, buildID string) (*types.Build, error) {
	var build types.Build
	err := s.view(buildID, func(tree *types.BuildTree) error {
		build = tree.Build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &build, nil
}

func (s *docStore) GetBuildTree(_ context.Context, buildID string) (*types.BuildTree, error) {
	var out *types.BuildTree
	err := s.view(buildID, func(tree *types.BuildTree) error {
		out = CloneTree(tree)
		return nil
	})
	return out, err
}

func (s *docStore) GetTask(_ context.Context, buildID, taskID string) (*types.Task, error) {
	var task *types.Task
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		task, err = TaskOf(tree, taskID)
		return err
	})
	return task, err
}

func (s *docStore) GetAllTasks(_ context.Context, buildID, stageID, containerID string) ([]types.Task, error) {
	var tasks []types.Task
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		tasks, err = ContainerTasks(tree, stageID, containerID)
		return err
	})
	return tasks, err
}

func (s *docStore) ListStages(_ context.Context, buildID string) ([]types.Stage, error) {
	var stages []types.Stage
	err := s.view(buildID, func(tree *types.BuildTree) error {
		stages = append(stages, tree.Stages...)
		return nil
	})
	return stages, err
}

func (s *docStore) ListContainers(_ context.Context, buildID, stageID string) ([]types.Container, error) {
	var containers []types.Container
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		containers, err = StageContainers(tree, stageID)
		return err
	})
	return containers, err
}

func (s *docStore) GetContainer(_ context.Context, buildID, stageID, containerID string) (*types.Container, error) {
	var container *types.Container
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		container, err = ContainerOf(tree, stageID, containerID)
		return err
	})
	return container, err
}

func (s *docStore) UpdateTaskStatus(_ context.Context, buildID, taskID string, from, to types.BuildStatus) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return SetTaskStatus(tree, taskID, from, to, s.now())
	})
}

func (s *docStore) UpdateTaskParams(_ context.Context, buildID, taskID, params string) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return SetTaskParams(tree, taskID, params)
	})
}

func (s *docStore) UpdateContainerStatus(_ context.Context, buildID, containerID string, from, to types.BuildStatus) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return SetContainerStatus(tree, containerID, from, to, s.now())
	})
}

func (s *docStore) UpdateStageStatus(_ context.Context, buildID, stageID string, from, to types.BuildStatus) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return SetStageStatus(tree, stageID, from, to, s.now())
	})
}

func (s *docStore) UpdateBuildStatus(_ context.Context, buildID string, from, to types.BuildStatus) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return SetBuildStatus(tree, from, to, s.now())
	})
}

func (s *docStore) UpdateBuildCancelUser(_ context.Context, buildID, userID string) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		SetCancelUser(tree, userID)
		return nil
	})
}

func (s *docStore) GetPauseValue(_ context.Context, buildID, taskID string) (*types.PauseValue, error) {
	var pv *types.PauseValue
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		pv, err = PauseValueOf(tree, taskID)
		return err
	})
	return pv, err
}

func (s *docStore) SavePauseValue(_ context.Context, value *types.PauseValue) error {
	return s.update(value.BuildID, func(tree *types.BuildTree) error {
		pv := *value
		if pv.CreateTime.IsZero() {
			pv.CreateTime = s.now()
		}
		return PutPauseValue(tree, pv)
	})
}

func (s *docStore) ApplyPauseValue(_ context.Context, buildID, taskID, params string, executeCount int) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return ApplyPause(tree, taskID, params, executeCount)
	})
}

func (s *docStore) CreateBuild(_ context.Context, tree *types.BuildTree) error {
	doc := CloneTree(tree)
	if err := ValidateTree(doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := s.backend.exists(doc.Build.BuildID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("build %s: %w", doc.Build.BuildID, ErrExists)
	}
	return s.backend.save(doc)
}

func (s *docStore) ListFinishedBuilds(_ context.Context, endedBefore time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids, err := s.backend.list()
	if err != nil {
		return nil, err
	}

	type finished struct {
		id  string
		end time.Time
	}
	var candidates []finished
	for _, id := range ids {
		tree, err := s.backend.load(id)
		if err != nil {
			continue
		}
		if FinishedBefore(&tree.Build, endedBefore) {
			candidates = append(candidates, finished{id: id, end: tree.Build.EndTime})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].end.Before(candidates[j].end) })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.id)
	}
	return out, nil
}

func (s *docStore) ArchiveBuild(_ context.Context, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.archive(buildID)
}

func (s *docStore) Ping(_ context.Context) error {
	return s.backend.ping()
}

func (s *docStore) Close() error {
	return nil
}
