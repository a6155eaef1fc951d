// Package interfaces provides abstractions for dependency injection and testability
package interfaces

import (
	"context"
	"time"

	"github.com/buildflow/buildflow/pkg/types"
)

// BuildStore persists build trees. Status updates are compare-and-swap on the
// expected prior status and fail with store.ErrConflict when it does not match.
type BuildStore interface {
	GetBuild(ctx context.Context, buildID string) (*types.Build, error)
	GetBuildTree(ctx context.Context, buildID string) (*types.BuildTree, error)
	GetTask(ctx context.Context, buildID, taskID string) (*types.Task, error)
	// GetAllTasks returns the tasks of a container ordered by sequence
	GetAllTasks(ctx context.Context, buildID, stageID, containerID string) ([]types.Task, error)
	ListStages(ctx context.Context, buildID string) ([]types.Stage, error)
	// ListContainers returns the containers of a stage, or of the whole build when stageID is empty
	ListContainers(ctx context.Context, buildID, stageID string) ([]types.Container, error)
	GetContainer(ctx context.Context, buildID, stageID, containerID string) (*types.Container, error)

	UpdateTaskStatus(ctx context.Context, buildID, taskID string, from, to types.BuildStatus) error
	UpdateTaskParams(ctx context.Context, buildID, taskID, params string) error
	UpdateContainerStatus(ctx context.Context, buildID, containerID string, from, to types.BuildStatus) error
	UpdateStageStatus(ctx context.Context, buildID, stageID string, from, to types.BuildStatus) error
	UpdateBuildStatus(ctx context.Context, buildID string, from, to types.BuildStatus) error
	UpdateBuildCancelUser(ctx context.Context, buildID, userID string) error

	GetPauseValue(ctx context.Context, buildID, taskID string) (*types.PauseValue, error)
	SavePauseValue(ctx context.Context, value *types.PauseValue) error
	// ApplyPauseValue writes the task params and marks the pause value consumed in one
	// atomic step. It fails with store.ErrConflict when the value is already consumed
	// or belongs to another execute count.
	ApplyPauseValue(ctx context.Context, buildID, taskID, params string, executeCount int) error

	CreateBuild(ctx context.Context, tree *types.BuildTree) error
	ListFinishedBuilds(ctx context.Context, endedBefore time.Time, limit int) ([]string, error)
	ArchiveBuild(ctx context.Context, buildID string) error

	Ping(ctx context.Context) error
	Close() error
}

// Lock is a held per-build lock
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out per-build locks with a bounded wait
type Locker interface {
	Acquire(ctx context.Context, buildID string, timeout time.Duration) (Lock, error)
}

// Dispatcher publishes events to the bus
type Dispatcher interface {
	Dispatch(ctx context.Context, events ...types.Event) error
}

// DetailService keeps the user-facing build detail view in sync. Calls are fire-and-forget.
type DetailService interface {
	UpdateElementWhenPauseContinue(buildID, stageID, containerID, taskID string, element map[string]interface{})
	TaskCancel(buildID, stageID, containerID, taskID, userID string)
	BuildCancelUserSet(buildID, userID string)
}

// BuildLogPrinter appends lines to the user-visible build log
type BuildLogPrinter interface {
	AddYellowLine(buildID, message, tag, jobID string, executeCount int)
}

// EngineDependencies contains all injectable engine collaborators
type EngineDependencies struct {
	Store      BuildStore
	Locker     Locker
	Dispatcher Dispatcher
	Detail     DetailService
	BuildLog   BuildLogPrinter
}
