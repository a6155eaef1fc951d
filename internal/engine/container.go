package engine

import (
	"context"
	"fmt"

	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// HandleContainerEvent resumes (REFRESH) or ends (END) a container
func (e *Engine) HandleContainerEvent(ctx context.Context, event types.ContainerEvent) error {
	log := e.logger.WithBuild(event.BuildID)

	return e.guarded(ctx, event, log, func(ctx context.Context, log logger.Logger) error {
		container, err := e.store.GetContainer(ctx, event.BuildID, event.StageID, event.ContainerID)
		if err != nil {
			return err
		}

		switch event.Action {
		case types.ActionRefresh:
			return e.refreshContainer(ctx, log, event, container)
		case types.ActionEnd:
			return e.endContainer(ctx, log, event, container)
		default:
			return fmt.Errorf("unsupported container action %q", event.Action)
		}
	})
}

func (e *Engine) refreshContainer(ctx context.Context, log logger.Logger, event types.ContainerEvent, container *types.Container) error {
	build, err := e.store.GetBuild(ctx, event.BuildID)
	if err != nil {
		return err
	}
	if build.Status.IsFinish() || container.Status.IsFinish() {
		log.Info("Ignoring refresh of finished container",
			logger.WithField("container", container.ContainerID),
			logger.WithField("container_status", container.Status),
			logger.WithField("build_status", build.Status),
			logger.WithField("source", event.Source))
		return nil
	}

	if container.Status == types.BuildStatusQueue {
		log.Debug("Container already queued", logger.WithField("container", container.ContainerID))
	} else if err := e.setContainer(ctx, log, container, types.BuildStatusQueue); err != nil {
		return err
	}

	return e.reconcile(ctx, log, event.BuildID)
}

func (e *Engine) endContainer(ctx context.Context, log logger.Logger, event types.ContainerEvent, container *types.Container) error {
	if container.Status.IsFinish() {
		log.Debug("Container already finished",
			logger.WithField("container", container.ContainerID),
			logger.WithField("status", container.Status))
		return e.reconcile(ctx, log, event.BuildID)
	}

	status, err := e.finalizeContainer(ctx, log, container)
	if err != nil {
		return err
	}
	log.Info("Container ended",
		logger.WithField("container", container.ContainerID),
		logger.WithField("status", status),
		logger.WithField("source", event.Source))

	return e.reconcile(ctx, log, event.BuildID)
}

// ContainerOutcome derives a container's final status from its user tasks
// as they stood before the container was ended
func ContainerOutcome(tasks []types.Task) types.BuildStatus {
	canceled, failed, unfinished := false, false, false
	for i := range tasks {
		t := &tasks[i]
		if types.IsSyntheticTask(t) {
			continue
		}
		switch {
		case t.Status == types.BuildStatusCanceled:
			canceled = true
		case t.Status == types.BuildStatusFailed:
			failed = true
		case !t.Status.IsFinish():
			unfinished = true
		}
	}

	switch {
	case canceled:
		return types.BuildStatusCanceled
	case failed:
		return types.BuildStatusFailed
	case unfinished:
		return types.BuildStatusCanceled
	default:
		return types.BuildStatusSucceed
	}
}

// finalizeContainer cancels every unfinished task and settles the container
func (e *Engine) finalizeContainer(ctx context.Context, log logger.Logger, container *types.Container) (types.BuildStatus, error) {
	tasks, err := e.store.GetAllTasks(ctx, container.BuildID, container.StageID, container.ContainerID)
	if err != nil {
		return "", err
	}
	final := ContainerOutcome(tasks)

	for i := range tasks {
		t := &tasks[i]
		if t.Status.IsFinish() {
			continue
		}
		if err := e.setTask(ctx, log, t, types.BuildStatusCanceled); err != nil {
			return "", err
		}
	}

	if err := e.setContainer(ctx, log, container, final); err != nil {
		return "", err
	}
	return final, nil
}

// skipContainer marks a container that will never run, and its tasks, as skipped
func (e *Engine) skipContainer(ctx context.Context, log logger.Logger, container *types.Container) error {
	tasks, err := e.store.GetAllTasks(ctx, container.BuildID, container.StageID, container.ContainerID)
	if err != nil {
		return err
	}
	for i := range tasks {
		t := &tasks[i]
		if t.Status.IsFinish() {
			continue
		}
		if err := e.setTask(ctx, log, t, types.BuildStatusSkip); err != nil {
			return err
		}
	}
	return e.setContainer(ctx, log, container, types.BuildStatusSkip)
}
