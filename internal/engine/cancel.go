package engine

import (
	"context"
	"fmt"

	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// HandleBuildCancel cancels every unfinished container, stage and the build itself.
// It runs entirely under one lock and publishes nothing, so a repeat is a no-op.
func (e *Engine) HandleBuildCancel(ctx context.Context, event types.BuildCancelEvent) error {
	log := e.logger.WithBuild(event.BuildID)

	return e.guarded(ctx, event, log, func(ctx context.Context, log logger.Logger) error {
		build, err := e.store.GetBuild(ctx, event.BuildID)
		if err != nil {
			return err
		}
		if build.Status.IsFinish() {
			log.Info("Build already finished, ignoring cancel", logger.WithField("status", build.Status))
			return nil
		}

		if event.UserID != "" && build.CancelUser != event.UserID {
			if err := e.store.UpdateBuildCancelUser(ctx, build.BuildID, event.UserID); err != nil {
				return err
			}
			e.detail.BuildCancelUserSet(build.BuildID, event.UserID)
		}

		stages, err := e.store.ListStages(ctx, build.BuildID)
		if err != nil {
			return err
		}
		for i := range stages {
			stage := &stages[i]
			if stage.Status.IsFinish() {
				continue
			}

			containers, err := e.store.ListContainers(ctx, build.BuildID, stage.StageID)
			if err != nil {
				return err
			}
			for j := range containers {
				c := &containers[j]
				if c.Status.IsFinish() {
					continue
				}
				if _, err := e.finalizeContainer(ctx, log, c); err != nil {
					return err
				}
			}

			if err := e.setStage(ctx, log, stage, types.BuildStatusCanceled); err != nil {
				return err
			}
		}

		if err := e.setBuild(ctx, log, build, types.BuildStatusCanceled); err != nil {
			return err
		}

		e.buildLog.AddYellowLine(build.BuildID,
			fmt.Sprintf("build canceled. user: %s, source: %s", event.UserID, event.Source),
			"", "", 1)
		return nil
	})
}
