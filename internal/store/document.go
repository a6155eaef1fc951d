// Package store provides build state stores: an in-memory store, a JSON file
// store, and the tree operations shared with the embedded badger store.
package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/buildflow/buildflow/pkg/types"
)

// The functions below operate on a whole build tree held as one document.
// Each validates before it mutates, so a returned error leaves the tree untouched.

// CloneTree returns a deep copy of tree
func CloneTree(tree *types.BuildTree) *types.BuildTree {
	if tree == nil {
		return nil
	}
	out := &types.BuildTree{Build: tree.Build}
	out.Stages = append([]types.Stage(nil), tree.Stages...)
	out.Containers = append([]types.Container(nil), tree.Containers...)
	out.Tasks = append([]types.Task(nil), tree.Tasks...)
	out.Pauses = append([]types.PauseValue(nil), tree.Pauses...)
	return out
}

// ValidateTree checks ids and parent references and normalizes ordering
func ValidateTree(tree *types.BuildTree) error {
	if tree == nil || tree.Build.BuildID == "" {
		return fmt.Errorf("%w: missing build id", ErrInvalidTree)
	}
	if !tree.Build.Status.IsValid() {
		return fmt.Errorf("%w: build status %q", ErrInvalidTree, tree.Build.Status)
	}

	stageSeq := make(map[string]int, len(tree.Stages))
	for _, s := range tree.Stages {
		if s.StageID == "" || !s.Status.IsValid() {
			return fmt.Errorf("%w: stage %q", ErrInvalidTree, s.StageID)
		}
		if _, dup := stageSeq[s.StageID]; dup {
			return fmt.Errorf("%w: duplicate stage %s", ErrInvalidTree, s.StageID)
		}
		stageSeq[s.StageID] = s.Seq
	}

	containerStage := make(map[string]string, len(tree.Containers))
	for _, c := range tree.Containers {
		if c.ContainerID == "" || !c.Status.IsValid() {
			return fmt.Errorf("%w: container %q", ErrInvalidTree, c.ContainerID)
		}
		if _, ok := stageSeq[c.StageID]; !ok {
			return fmt.Errorf("%w: container %s references unknown stage %s", ErrInvalidTree, c.ContainerID, c.StageID)
		}
		if _, dup := containerStage[c.ContainerID]; dup {
			return fmt.Errorf("%w: duplicate container %s", ErrInvalidTree, c.ContainerID)
		}
		containerStage[c.ContainerID] = c.StageID
	}

	seen := make(map[string]bool, len(tree.Tasks))
	for _, t := range tree.Tasks {
		if t.TaskID == "" || !t.Status.IsValid() {
			return fmt.Errorf("%w: task %q", ErrInvalidTree, t.TaskID)
		}
		if stage, ok := containerStage[t.ContainerID]; !ok || stage != t.StageID {
			return fmt.Errorf("%w: task %s references unknown container %s/%s", ErrInvalidTree, t.TaskID, t.StageID, t.ContainerID)
		}
		if seen[t.TaskID] {
			return fmt.Errorf("%w: duplicate task %s", ErrInvalidTree, t.TaskID)
		}
		seen[t.TaskID] = true
	}

	sort.SliceStable(tree.Stages, func(i, j int) bool { return tree.Stages[i].Seq < tree.Stages[j].Seq })
	sort.SliceStable(tree.Containers, func(i, j int) bool {
		a, b := tree.Containers[i], tree.Containers[j]
		if stageSeq[a.StageID] != stageSeq[b.StageID] {
			return stageSeq[a.StageID] < stageSeq[b.StageID]
		}
		return a.Seq < b.Seq
	})
	sort.SliceStable(tree.Tasks, func(i, j int) bool {
		a, b := tree.Tasks[i], tree.Tasks[j]
		if a.ContainerID != b.ContainerID {
			return a.ContainerID < b.ContainerID
		}
		return a.TaskSeq < b.TaskSeq
	})
	return nil
}

func taskIndex(tree *types.BuildTree, taskID string) int {
	for i := range tree.Tasks {
		if tree.Tasks[i].TaskID == taskID {
			return i
		}
	}
	return -1
}

func containerIndex(tree *types.BuildTree, containerID string) int {
	for i := range tree.Containers {
		if tree.Containers[i].ContainerID == containerID {
			return i
		}
	}
	return -1
}

func stageIndex(tree *types.BuildTree, stageID string) int {
	for i := range tree.Stages {
		if tree.Stages[i].StageID == stageID {
			return i
		}
	}
	return -1
}

func pauseIndex(tree *types.BuildTree, taskID string) int {
	for i := range tree.Pauses {
		if tree.Pauses[i].TaskID == taskID {
			return i
		}
	}
	return -1
}

// stamp maintains start and end times across a status change
func stamp(to types.BuildStatus, start, end *time.Time, now time.Time) {
	switch {
	case to == types.BuildStatusQueue:
		*end = time.Time{}
	case to.IsFinish():
		*end = now
	case to == types.BuildStatusRunning && start.IsZero():
		*start = now
	}
}

// TaskOf returns a copy of a task
func TaskOf(tree *types.BuildTree, taskID string) (*types.Task, error) {
	i := taskIndex(tree, taskID)
	if i < 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	t := tree.Tasks[i]
	return &t, nil
}

// ContainerTasks returns the tasks of a container ordered by sequence
func ContainerTasks(tree *types.BuildTree, stageID, containerID string) ([]types.Task, error) {
	ci := containerIndex(tree, containerID)
	if ci < 0 || tree.Containers[ci].StageID != stageID {
		return nil, fmt.Errorf("container %s/%s: %w", stageID, containerID, ErrNotFound)
	}
	var tasks []types.Task
	for _, t := range tree.Tasks {
		if t.ContainerID == containerID && t.StageID == stageID {
			tasks = append(tasks, t)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].TaskSeq < tasks[j].TaskSeq })
	return tasks, nil
}

// StageContainers returns the containers of a stage, or all containers when stageID is empty
func StageContainers(tree *types.BuildTree, stageID string) ([]types.Container, error) {
	if stageID != "" && stageIndex(tree, stageID) < 0 {
		return nil, fmt.Errorf("stage %s: %w", stageID, ErrNotFound)
	}
	var containers []types.Container
	for _, c := range tree.Containers {
		if stageID == "" || c.StageID == stageID {
			containers = append(containers, c)
		}
	}
	return containers, nil
}

// ContainerOf returns a copy of a container that must belong to stageID
func ContainerOf(tree *types.BuildTree, stageID, containerID string) (*types.Container, error) {
	i := containerIndex(tree, containerID)
	if i < 0 || (stageID != "" && tree.Containers[i].StageID != stageID) {
		return nil, fmt.Errorf("container %s/%s: %w", stageID, containerID, ErrNotFound)
	}
	c := tree.Containers[i]
	return &c, nil
}

// SetTaskStatus moves a task from one status to another
func SetTaskStatus(tree *types.BuildTree, taskID string, from, to types.BuildStatus, now time.Time) error {
	i := taskIndex(tree, taskID)
	if i < 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	t := &tree.Tasks[i]
	if t.Status != from {
		return fmt.Errorf("task %s is %s, expected %s: %w", taskID, t.Status, from, ErrConflict)
	}
	if from == to {
		return nil
	}
	t.Status = to
	stamp(to, &t.StartTime, &t.EndTime, now)
	t.Version++
	return nil
}

// SetTaskParams replaces a task's parameters
func SetTaskParams(tree *types.BuildTree, taskID, params string) error {
	i := taskIndex(tree, taskID)
	if i < 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	tree.Tasks[i].TaskParams = params
	tree.Tasks[i].Version++
	return nil
}

// SetContainerStatus moves a container from one status to another
func SetContainerStatus(tree *types.BuildTree, containerID string, from, to types.BuildStatus, now time.Time) error {
	i := containerIndex(tree, containerID)
	if i < 0 {
		return fmt.Errorf("container %s: %w", containerID, ErrNotFound)
	}
	c := &tree.Containers[i]
	if c.Status != from {
		return fmt.Errorf("container %s is %s, expected %s: %w", containerID, c.Status, from, ErrConflict)
	}
	if from == to {
		return nil
	}
	c.Status = to
	stamp(to, &c.StartTime, &c.EndTime, now)
	c.Version++
	return nil
}

// SetStageStatus moves a stage from one status to another
func SetStageStatus(tree *types.BuildTree, stageID string, from, to types.BuildStatus, now time.Time) error {
	i := stageIndex(tree, stageID)
	if i < 0 {
		return fmt.Errorf("stage %s: %w", stageID, ErrNotFound)
	}
	s := &tree.Stages[i]
	if s.Status != from {
		return fmt.Errorf("stage %s is %s, expected %s: %w", stageID, s.Status, from, ErrConflict)
	}
	if from == to {
		return nil
	}
	s.Status = to
	stamp(to, &s.StartTime, &s.EndTime, now)
	s.Version++
	return nil
}

// SetBuildStatus moves the build from one status to another
func SetBuildStatus(tree *types.BuildTree, from, to types.BuildStatus, now time.Time) error {
	b := &tree.Build
	if b.Status != from {
		return fmt.Errorf("build %s is %s, expected %s: %w", b.BuildID, b.Status, from, ErrConflict)
	}
	if from == to {
		return nil
	}
	b.Status = to
	stamp(to, &b.StartTime, &b.EndTime, now)
	b.Version++
	return nil
}

// SetCancelUser records who canceled the build
func SetCancelUser(tree *types.BuildTree, userID string) {
	if tree.Build.CancelUser == userID {
		return
	}
	tree.Build.CancelUser = userID
	tree.Build.Version++
}

// PauseValueOf returns a copy of the pause value staged for a task
func PauseValueOf(tree *types.BuildTree, taskID string) (*types.PauseValue, error) {
	i := pauseIndex(tree, taskID)
	if i < 0 {
		return nil, fmt.Errorf("pause value for task %s: %w", taskID, ErrNotFound)
	}
	pv := tree.Pauses[i]
	return &pv, nil
}

// PutPauseValue stores a pause value, replacing the one from an earlier pause of the task
func PutPauseValue(tree *types.BuildTree, value types.PauseValue) error {
	if taskIndex(tree, value.TaskID) < 0 {
		return fmt.Errorf("task %s: %w", value.TaskID, ErrNotFound)
	}
	if i := pauseIndex(tree, value.TaskID); i >= 0 {
		tree.Pauses[i] = value
		return nil
	}
	tree.Pauses = append(tree.Pauses, value)
	return nil
}

// ApplyPause writes the task params and consumes the pause value together
func ApplyPause(tree *types.BuildTree, taskID, params string, executeCount int) error {
	ti := taskIndex(tree, taskID)
	if ti < 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	pi := pauseIndex(tree, taskID)
	if pi < 0 {
		return fmt.Errorf("pause value for task %s: %w", taskID, ErrNotFound)
	}
	pv := &tree.Pauses[pi]
	if pv.Consumed {
		return fmt.Errorf("pause value for task %s already consumed: %w", taskID, ErrConflict)
	}
	if pv.ExecuteCount != 0 && pv.ExecuteCount != executeCount {
		return fmt.Errorf("pause value for task %s belongs to execution %d, not %d: %w",
			taskID, pv.ExecuteCount, executeCount, ErrConflict)
	}
	pv.Consumed = true
	tree.Tasks[ti].TaskParams = params
	tree.Tasks[ti].Version++
	return nil
}

// FinishedBefore reports whether the build is terminal and ended before cutoff
func FinishedBefore(build *types.Build, cutoff time.Time) bool {
	return build.Status.IsFinish() && !build.EndTime.IsZero() && build.EndTime.Before(cutoff)
}
