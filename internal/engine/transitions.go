package engine

import (
	"context"
	"fmt"

	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/metrics"
	"github.com/buildflow/buildflow/pkg/types"
)

// setTask moves a task to status, skipping the write when it is already there
func (e *Engine) setTask(ctx context.Context, log logger.Logger, task *types.Task, to types.BuildStatus) error {
	if task.Status == to {
		return nil
	}
	if err := e.store.UpdateTaskStatus(ctx, task.BuildID, task.TaskID, task.Status, to); err != nil {
		return err
	}
	log.Debug("Task status changed",
		logger.WithField("task", task.TaskID),
		logger.WithField("from", task.Status),
		logger.WithField("to", to))
	metrics.IncTransition("task", string(to))
	task.Status = to
	return nil
}

func (e *Engine) setContainer(ctx context.Context, log logger.Logger, c *types.Container, to types.BuildStatus) error {
	if c.Status == to {
		return nil
	}
	if err := e.store.UpdateContainerStatus(ctx, c.BuildID, c.ContainerID, c.Status, to); err != nil {
		return err
	}
	log.Debug("Container status changed",
		logger.WithField("container", c.ContainerID),
		logger.WithField("from", c.Status),
		logger.WithField("to", to))
	metrics.IncTransition("container", string(to))
	c.Status = to
	return nil
}

func (e *Engine) setStage(ctx context.Context, log logger.Logger, s *types.Stage, to types.BuildStatus) error {
	if s.Status == to {
		return nil
	}
	if err := e.store.UpdateStageStatus(ctx, s.BuildID, s.StageID, s.Status, to); err != nil {
		return err
	}
	log.Info("Stage status changed",
		logger.WithField("stage", s.StageID),
		logger.WithField("from", s.Status),
		logger.WithField("to", to))
	metrics.IncTransition("stage", string(to))
	s.Status = to
	return nil
}

func (e *Engine) setBuild(ctx context.Context, log logger.Logger, b *types.Build, to types.BuildStatus) error {
	if b.Status == to {
		return nil
	}
	if err := e.store.UpdateBuildStatus(ctx, b.BuildID, b.Status, to); err != nil {
		return err
	}
	if to.IsFinish() {
		log.Success("Build finished", logger.WithField("status", to))
	} else {
		log.Info("Build status changed", logger.WithField("from", b.Status), logger.WithField("to", to))
	}
	metrics.IncTransition("build", string(to))
	b.Status = to
	return nil
}

// dispatch publishes events, marking transport failures retryable
func (e *Engine) dispatch(ctx context.Context, events ...types.Event) error {
	if err := e.dispatcher.Dispatch(ctx, events...); err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	for _, ev := range events {
		source := ""
		if ce, ok := ev.(types.ContainerEvent); ok {
			source = ce.Source
		}
		metrics.IncDispatched(ev.EventType(), source)
	}
	return nil
}

func containerType(c *types.Container) string {
	if c.ContainerType == "" {
		return types.DefaultContainerType
	}
	return c.ContainerType
}
