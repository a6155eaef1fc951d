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

// paramExecuteCount is the task parameter overwritten with the task's execute
// count when operator-edited values are applied
const paramExecuteCount = "executeCount"

// HandlePauseEvent continues (REFRESH) or terminates (END) a paused task
func (e *Engine) HandlePauseEvent(ctx context.Context, event types.TaskPauseEvent) error {
	log := e.logger.WithBuild(event.BuildID)

	return e.guarded(ctx, event, log, func(ctx context.Context, log logger.Logger) error {
		task, err := e.store.GetTask(ctx, event.BuildID, event.TaskID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Paused task not found", logger.WithField("task", event.TaskID))
			return nil
		}
		if err != nil {
			return err
		}

		if (event.StageID != "" && event.StageID != task.StageID) ||
			(event.ContainerID != "" && event.ContainerID != task.ContainerID) {
			log.Warn("Pause event does not match the task's container",
				logger.WithField("task", task.TaskID),
				logger.WithField("event_stage", event.StageID),
				logger.WithField("event_container", event.ContainerID),
				logger.WithField("stage", task.StageID),
				logger.WithField("container", task.ContainerID))
			return nil
		}

		container, err := e.store.GetContainer(ctx, task.BuildID, task.StageID, task.ContainerID)
		if err != nil {
			return fmt.Errorf("container of task %s: %w", task.TaskID, err)
		}

		switch event.Action {
		case types.ActionRefresh:
			return e.continuePause(ctx, log, event, task, container)
		case types.ActionEnd:
			return e.terminatePause(ctx, log, event, task, container)
		default:
			return fmt.Errorf("unsupported pause action %q", event.Action)
		}
	})
}

// resumable reports whether a bootstrap or teardown task is reset when its container resumes
func resumable(status types.BuildStatus) bool {
	switch status {
	case types.BuildStatusQueue, types.BuildStatusSucceed, types.BuildStatusSkip, types.BuildStatusPause:
		return true
	}
	return false
}

func (e *Engine) continuePause(ctx context.Context, log logger.Logger, event types.TaskPauseEvent, task *types.Task, container *types.Container) error {
	if container.Status.IsFinish() {
		log.Warn("Container already finished, ignoring continue",
			logger.WithField("container", container.ContainerID),
			logger.WithField("status", container.Status))
		return nil
	}

	tasks, err := e.store.GetAllTasks(ctx, task.BuildID, task.StageID, task.ContainerID)
	if err != nil {
		return err
	}

	resume := task.Status == types.BuildStatusPause
	if !resume && task.Status == types.BuildStatusQueue &&
		(container.Status == types.BuildStatusQueue || container.Status == types.BuildStatusPause) {
		if resume, err = e.interruptedContinue(ctx, task, tasks); err != nil {
			return err
		}
	}
	if !resume {
		log.Info("Task is no longer paused, ignoring continue",
			logger.WithField("task", task.TaskID),
			logger.WithField("status", task.Status),
			logger.WithField("user", event.UserID))
		return nil
	}

	for i := range tasks {
		t := &tasks[i]
		if t.TaskID == task.TaskID || (types.IsSyntheticTask(t) && resumable(t.Status)) {
			if err := e.setTask(ctx, log, t, types.BuildStatusQueue); err != nil {
				return err
			}
		}
	}

	if err := e.setContainer(ctx, log, container, types.BuildStatusQueue); err != nil {
		return err
	}

	element, err := e.applyPauseValue(ctx, log, task)
	if err != nil {
		return err
	}
	e.detail.UpdateElementWhenPauseContinue(task.BuildID, task.StageID, task.ContainerID, task.TaskID, element)

	err = e.dispatch(ctx, types.ContainerEvent{
		BuildID:       task.BuildID,
		StageID:       task.StageID,
		ContainerID:   task.ContainerID,
		ContainerType: containerType(container),
		PipelineID:    task.PipelineID,
		ProjectID:     task.ProjectID,
		UserID:        event.UserID,
		Action:        types.ActionRefresh,
		Source:        types.SourcePauseContinue,
	})
	if err != nil {
		return err
	}

	e.buildLog.AddYellowLine(task.BuildID,
		fmt.Sprintf("[%s] processed. user: %s, action: continue", task.TaskName, event.UserID),
		task.TaskID, task.ContainerID, task.GetExecuteCount())
	log.Info("Paused task continued",
		logger.WithField("task", task.TaskID),
		logger.WithField("user", event.UserID))
	return nil
}

// interruptedContinue reports whether a QUEUE task was reset by an earlier
// delivery of the same continue that did not finish: the task was paused in
// its current execution and no other task of the container is still paused.
func (e *Engine) interruptedContinue(ctx context.Context, task *types.Task, tasks []types.Task) (bool, error) {
	for i := range tasks {
		t := &tasks[i]
		if t.TaskID != task.TaskID && !types.IsSyntheticTask(t) && t.Status == types.BuildStatusPause {
			return false, nil
		}
	}

	pv, err := e.store.GetPauseValue(ctx, task.BuildID, task.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return pv.ExecuteCount == 0 || pv.ExecuteCount == task.GetExecuteCount(), nil
}

// applyPauseValue merges the operator's edited parameters into the task exactly
// once. It returns the applied parameters, or nil when there was nothing to apply.
func (e *Engine) applyPauseValue(ctx context.Context, log logger.Logger, task *types.Task) (map[string]interface{}, error) {
	pv, err := e.store.GetPauseValue(ctx, task.BuildID, task.TaskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case pv.Consumed:
		log.Debug("Pause value already applied", logger.WithField("task", task.TaskID))
		return nil, nil
	case pv.ExecuteCount != 0 && pv.ExecuteCount != task.GetExecuteCount():
		log.Warn("Pause value belongs to another execution, ignoring",
			logger.WithField("task", task.TaskID),
			logger.WithField("value_execute_count", pv.ExecuteCount),
			logger.WithField("execute_count", task.GetExecuteCount()))
		return nil, nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(pv.NewValue), &params); err != nil || params == nil {
		log.Error("Pause value is not a JSON object, keeping current params",
			logger.WithField("task", task.TaskID),
			logger.WithError(err))
		return nil, nil
	}
	params[paramExecuteCount] = task.GetExecuteCount()

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params of task %s: %w", task.TaskID, err)
	}

	err = e.store.ApplyPauseValue(ctx, task.BuildID, task.TaskID, string(data), task.GetExecuteCount())
	if errors.Is(err, store.ErrConflict) {
		log.Info("Pause value consumed concurrently", logger.WithField("task", task.TaskID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return params, nil
}

func (e *Engine) terminatePause(ctx context.Context, log logger.Logger, event types.TaskPauseEvent, task *types.Task, container *types.Container) error {
	switch {
	case task.Status == types.BuildStatusCanceled:
		log.Info("Task already canceled, completing terminate", logger.WithField("task", task.TaskID))
	case task.Status.IsFinish():
		log.Info("Task already finished, ignoring terminate",
			logger.WithField("task", task.TaskID),
			logger.WithField("status", task.Status))
		return nil
	default:
		if err := e.setTask(ctx, log, task, types.BuildStatusCanceled); err != nil {
			return err
		}
	}

	e.detail.TaskCancel(task.BuildID, task.StageID, task.ContainerID, task.TaskID, event.UserID)
	if err := e.store.UpdateBuildCancelUser(ctx, task.BuildID, event.UserID); err != nil {
		return err
	}
	e.detail.BuildCancelUserSet(task.BuildID, event.UserID)

	e.buildLog.AddYellowLine(task.BuildID,
		fmt.Sprintf("[%s] processed. user: %s, action: terminate", task.TaskName, event.UserID),
		task.TaskID, task.ContainerID, task.GetExecuteCount())

	err := e.dispatch(ctx, types.ContainerEvent{
		BuildID:       task.BuildID,
		StageID:       task.StageID,
		ContainerID:   task.ContainerID,
		ContainerType: containerType(container),
		PipelineID:    task.PipelineID,
		ProjectID:     task.ProjectID,
		UserID:        event.UserID,
		Action:        types.ActionEnd,
		Source:        types.SourceManualStopPause,
	})
	if err != nil {
		return err
	}

	log.Info("Paused task terminated",
		logger.WithField("task", task.TaskID),
		logger.WithField("user", event.UserID))
	return nil
}
