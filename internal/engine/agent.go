package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// ClaimTask hands the next queued task of a container to its agent.
// It returns nil when the container has nothing runnable right now.
func (e *Engine) ClaimTask(ctx context.Context, buildID, containerID string) (*types.Task, error) {
	log := e.logger.WithBuild(buildID)
	var claimed *types.Task

	err := e.locked(ctx, buildID, log, func(ctx context.Context) error {
		build, err := e.store.GetBuild(ctx, buildID)
		if err != nil {
			return err
		}
		if build.Status.IsFinish() {
			return fmt.Errorf("build %s is %s: %w", buildID, build.Status, ErrBuildFinished)
		}

		stages, err := e.store.ListStages(ctx, buildID)
		if err != nil {
			return err
		}
		var current *types.Stage
		for i := range stages {
			if !stages[i].Status.IsFinish() {
				current = &stages[i]
				break
			}
		}
		if current == nil {
			return nil
		}

		container, err := e.store.GetContainer(ctx, buildID, "", containerID)
		if err != nil {
			return err
		}
		if container.StageID != current.StageID {
			log.Debug("Container's stage is not running yet",
				logger.WithField("container", containerID),
				logger.WithField("stage", container.StageID),
				logger.WithField("current_stage", current.StageID))
			return nil
		}
		if container.Status != types.BuildStatusQueue && container.Status != types.BuildStatusRunning {
			return nil
		}

		tasks, err := e.store.GetAllTasks(ctx, buildID, container.StageID, containerID)
		if err != nil {
			return err
		}
		var next *types.Task
		for i := range tasks {
			t := &tasks[i]
			if t.Status.IsActive() {
				log.Debug("Container already has an active task", logger.WithField("task", t.TaskID))
				return nil
			}
			if next == nil && t.Status == types.BuildStatusQueue {
				next = t
			}
		}
		if next == nil {
			return nil
		}

		if err := e.setTask(ctx, log, next, types.BuildStatusRunning); err != nil {
			return err
		}
		if err := e.setContainer(ctx, log, container, types.BuildStatusRunning); err != nil {
			return err
		}
		if err := e.reconcile(ctx, log, buildID); err != nil {
			return err
		}

		claimed = next
		log.Info("Task claimed",
			logger.WithField("container", containerID),
			logger.WithField("task", next.TaskID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReportTaskResult records the outcome of a running task and ends the
// container when the task failed or was the last one
func (e *Engine) ReportTaskResult(ctx context.Context, buildID, taskID string, result types.BuildStatus) error {
	switch result {
	case types.BuildStatusSucceed, types.BuildStatusFailed, types.BuildStatusSkip:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidResult, result)
	}
	log := e.logger.WithBuild(buildID)

	return e.locked(ctx, buildID, log, func(ctx context.Context) error {
		task, err := e.store.GetTask(ctx, buildID, taskID)
		if err != nil {
			return err
		}
		if task.Status == result {
			return nil
		}
		if task.Status != types.BuildStatusRunning {
			return fmt.Errorf("task %s is %s, not RUNNING: %w", taskID, task.Status, store.ErrConflict)
		}
		if err := e.setTask(ctx, log, task, result); err != nil {
			return err
		}

		source := ""
		if result == types.BuildStatusFailed {
			source = types.SourceTaskFailed
		} else {
			tasks, err := e.store.GetAllTasks(ctx, buildID, task.StageID, task.ContainerID)
			if err != nil {
				return err
			}
			source = types.SourceContainerFinished
			for _, t := range tasks {
				if !t.Status.IsFinish() {
					source = ""
					break
				}
			}
		}
		if source == "" {
			return nil
		}

		container, err := e.store.GetContainer(ctx, buildID, task.StageID, task.ContainerID)
		if err != nil {
			return err
		}
		return e.dispatch(ctx, types.ContainerEvent{
			BuildID:       buildID,
			StageID:       task.StageID,
			ContainerID:   task.ContainerID,
			ContainerType: containerType(container),
			PipelineID:    task.PipelineID,
			ProjectID:     task.ProjectID,
			Action:        types.ActionEnd,
			Source:        source,
		})
	})
}

// PauseTask parks a running task until an operator continues or terminates it.
// newParams, when set, must be a JSON object and is applied on continue.
func (e *Engine) PauseTask(ctx context.Context, buildID, taskID, newParams string) error {
	if newParams != "" {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(newParams), &decoded); err != nil || decoded == nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	log := e.logger.WithBuild(buildID)

	return e.locked(ctx, buildID, log, func(ctx context.Context) error {
		task, err := e.store.GetTask(ctx, buildID, taskID)
		if err != nil {
			return err
		}
		if task.Status == types.BuildStatusPause {
			return nil
		}
		if task.Status != types.BuildStatusRunning {
			return fmt.Errorf("task %s is %s, not RUNNING: %w", taskID, task.Status, store.ErrConflict)
		}

		container, err := e.store.GetContainer(ctx, buildID, task.StageID, task.ContainerID)
		if err != nil {
			return err
		}
		tasks, err := e.store.GetAllTasks(ctx, buildID, task.StageID, task.ContainerID)
		if err != nil {
			return err
		}

		if err := e.setTask(ctx, log, task, types.BuildStatusPause); err != nil {
			return err
		}
		for i := range tasks {
			t := &tasks[i]
			if types.IsSyntheticTask(t) && !t.Status.IsFinish() {
				if err := e.setTask(ctx, log, t, types.BuildStatusSucceed); err != nil {
					return err
				}
			}
		}
		if err := e.setContainer(ctx, log, container, types.BuildStatusPause); err != nil {
			return err
		}

		value := newParams
		if value == "" {
			value = task.TaskParams
		}
		err = e.store.SavePauseValue(ctx, &types.PauseValue{
			BuildID:      buildID,
			TaskID:       taskID,
			DefaultValue: task.TaskParams,
			NewValue:     value,
			ExecuteCount: task.GetExecuteCount(),
		})
		if err != nil {
			return err
		}

		e.buildLog.AddYellowLine(buildID,
			fmt.Sprintf("[%s] paused, waiting for user to continue or terminate", task.TaskName),
			task.TaskID, task.ContainerID, task.GetExecuteCount())
		log.Info("Task paused", logger.WithField("task", taskID))

		return e.reconcile(ctx, log, buildID)
	})
}

// UpdatePauseValue replaces the operator-edited params of a paused task before it is continued
func (e *Engine) UpdatePauseValue(ctx context.Context, buildID, taskID, newParams string) error {
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(newParams), &decoded); err != nil || decoded == nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	log := e.logger.WithBuild(buildID)

	return e.locked(ctx, buildID, log, func(ctx context.Context) error {
		pv, err := e.store.GetPauseValue(ctx, buildID, taskID)
		if err != nil {
			return err
		}
		if pv.Consumed {
			return fmt.Errorf("pause value of task %s already applied: %w", taskID, store.ErrConflict)
		}
		pv.NewValue = newParams
		if err := e.store.SavePauseValue(ctx, pv); err != nil {
			return err
		}
		log.Info("Pause value updated", logger.WithField("task", taskID))
		return nil
	})
}

// IsNotRunnable reports whether err means the caller should stop polling the build
func IsNotRunnable(err error) bool {
	return errors.Is(err, ErrBuildFinished) || errors.Is(err, store.ErrNotFound)
}
