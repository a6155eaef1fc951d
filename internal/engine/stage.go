package engine

import (
	"context"

	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// ReduceStageStatus derives a stage's status from its containers
func ReduceStageStatus(stage types.Stage, containers []types.Container) types.BuildStatus {
	statuses := make([]types.BuildStatus, 0, len(containers))
	for _, c := range containers {
		statuses = append(statuses, c.Status)
	}
	return reduceStatuses(statuses, stage.FailFast)
}

// ReduceBuildStatus derives a build's status from its stages
func ReduceBuildStatus(stages []types.Stage) types.BuildStatus {
	statuses := make([]types.BuildStatus, 0, len(stages))
	for _, s := range stages {
		statuses = append(statuses, s.Status)
	}
	return reduceStatuses(statuses, false)
}

func reduceStatuses(statuses []types.BuildStatus, failFast bool) types.BuildStatus {
	count := make(map[types.BuildStatus]int, len(statuses))
	unfinished := 0
	for _, s := range statuses {
		count[s]++
		if !s.IsFinish() {
			unfinished++
		}
	}

	if count[types.BuildStatusCanceled] > 0 && count[types.BuildStatusRunning] == 0 {
		return types.BuildStatusCanceled
	}
	if failFast && count[types.BuildStatusFailed] > 0 {
		return types.BuildStatusFailed
	}

	if unfinished > 0 {
		switch {
		case count[types.BuildStatusQueue] == len(statuses):
			return types.BuildStatusQueue
		case count[types.BuildStatusRunning] > 0:
			return types.BuildStatusRunning
		case count[types.BuildStatusReviewing] > 0:
			return types.BuildStatusReviewing
		case count[types.BuildStatusPause] == unfinished:
			return types.BuildStatusPause
		default:
			return types.BuildStatusRunning
		}
	}

	switch {
	case count[types.BuildStatusFailed] > 0:
		return types.BuildStatusFailed
	case count[types.BuildStatusCanceled] > 0:
		return types.BuildStatusCanceled
	case count[types.BuildStatusSkip] == len(statuses):
		return types.BuildStatusSkip
	default:
		return types.BuildStatusSucceed
	}
}

// reconcile recomputes stage and build statuses from the persisted containers.
// Terminal stages and builds are never rewritten.
func (e *Engine) reconcile(ctx context.Context, log logger.Logger, buildID string) error {
	build, err := e.store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if build.Status.IsFinish() {
		return nil
	}

	stages, err := e.store.ListStages(ctx, buildID)
	if err != nil {
		return err
	}
	containers, err := e.store.ListContainers(ctx, buildID, "")
	if err != nil {
		return err
	}
	byStage := make(map[string][]types.Container, len(stages))
	for _, c := range containers {
		byStage[c.StageID] = append(byStage[c.StageID], c)
	}

	for i := range stages {
		stage := &stages[i]
		if stage.Status.IsFinish() {
			continue
		}

		next := ReduceStageStatus(*stage, byStage[stage.StageID])
		if err := e.setStage(ctx, log, stage, next); err != nil {
			return err
		}

		if next == types.BuildStatusCanceled || (next == types.BuildStatusFailed && stage.FailFast) {
			if err := e.cancelSiblings(ctx, log, byStage[stage.StageID], next); err != nil {
				return err
			}
		}

		if next == types.BuildStatusCanceled || next == types.BuildStatusFailed {
			if err := e.finalizeRemaining(ctx, log, stages[i+1:], byStage, next); err != nil {
				return err
			}
			break
		}
	}

	return e.setBuild(ctx, log, build, ReduceBuildStatus(stages))
}

// cancelSiblings ends the unfinished containers of a stage that was canceled
// or failed fast
func (e *Engine) cancelSiblings(ctx context.Context, log logger.Logger, containers []types.Container, cause types.BuildStatus) error {
	for i := range containers {
		c := &containers[i]
		if c.Status.IsFinish() {
			continue
		}
		log.Info("Stage ended, canceling sibling container",
			logger.WithField("container", c.ContainerID),
			logger.WithField("stage_status", cause))
		if _, err := e.finalizeContainer(ctx, log, c); err != nil {
			return err
		}
	}
	return nil
}

// finalizeRemaining settles the stages after one that ended the build:
// CANCELED after a cancellation, SKIP after a failure
func (e *Engine) finalizeRemaining(ctx context.Context, log logger.Logger, stages []types.Stage, byStage map[string][]types.Container, cause types.BuildStatus) error {
	for i := range stages {
		stage := &stages[i]
		if stage.Status.IsFinish() {
			continue
		}

		containers := byStage[stage.StageID]
		for j := range containers {
			c := &containers[j]
			if c.Status.IsFinish() {
				continue
			}
			var err error
			if cause == types.BuildStatusCanceled {
				_, err = e.finalizeContainer(ctx, log, c)
			} else {
				err = e.skipContainer(ctx, log, c)
			}
			if err != nil {
				return err
			}
		}

		to := types.BuildStatusSkip
		if cause == types.BuildStatusCanceled {
			to = types.BuildStatusCanceled
		}
		if err := e.setStage(ctx, log, stage, to); err != nil {
			return err
		}
	}
	return nil
}
