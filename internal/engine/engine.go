// Package engine advances build trees in response to lifecycle events.
//
// The implementation is split across files by controller:
//   - task_pause.go: continue or terminate a paused task
//   - container.go: resume or end a container
//   - stage.go: status reducers and stage/build reconciliation
//   - cancel.go: whole-build cancellation
//   - agent.go: claim, report and pause callbacks used by build agents
//   - guard.go: per-build locking and error classification
//
// Handlers hold no state between calls. Every decision is made from the
// persisted snapshot read under the build lock, and every write is a
// compare-and-swap on the status that was read.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// DefaultLockTimeout bounds how long a handler waits for its build lock
const DefaultLockTimeout = 10 * time.Second

// Engine handles task, container and build lifecycle events
type Engine struct {
	store      interfaces.BuildStore
	locker     interfaces.Locker
	dispatcher interfaces.Dispatcher
	detail     interfaces.DetailService
	buildLog   interfaces.BuildLogPrinter
	logger     logger.Logger
	validate   *validator.Validate

	lockTimeout atomic.Int64
}

// Option customizes an Engine
type Option func(*Engine)

// WithLockTimeout sets the initial lock wait bound
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout.Store(int64(d))
		}
	}
}

// New creates an engine from its collaborators
func New(deps interfaces.EngineDependencies, log logger.Logger, opts ...Option) *Engine {
	if deps.Store == nil {
		panic("Store dependency is required")
	}
	if deps.Locker == nil {
		panic("Locker dependency is required")
	}
	if deps.Dispatcher == nil {
		panic("Dispatcher dependency is required")
	}
	if deps.Detail == nil {
		panic("Detail dependency is required")
	}
	if deps.BuildLog == nil {
		panic("BuildLog dependency is required")
	}

	e := &Engine{
		store:      deps.Store,
		locker:     deps.Locker,
		dispatcher: deps.Dispatcher,
		detail:     deps.Detail,
		buildLog:   deps.BuildLog,
		logger:     log,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
	e.lockTimeout.Store(int64(DefaultLockTimeout))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetLockTimeout changes the lock wait bound for subsequent events
func (e *Engine) SetLockTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	e.lockTimeout.Store(int64(d))
	e.logger.Info("Lock timeout updated", logger.WithField("timeout", d))
}

// LockTimeout returns the current lock wait bound
func (e *Engine) LockTimeout() time.Duration {
	return time.Duration(e.lockTimeout.Load())
}

// Register subscribes the engine's handlers on a bus
func (e *Engine) Register(sub interfaces.Subscriber) {
	sub.Subscribe(types.EventTypeTaskPause, e.Handle)
	sub.Subscribe(types.EventTypeContainer, e.Handle)
	sub.Subscribe(types.EventTypeBuildCancel, e.Handle)
}

// Handle routes an event to its controller
func (e *Engine) Handle(ctx context.Context, event types.Event) error {
	switch ev := event.(type) {
	case types.TaskPauseEvent:
		return e.HandlePauseEvent(ctx, ev)
	case *types.TaskPauseEvent:
		return e.HandlePauseEvent(ctx, *ev)
	case types.ContainerEvent:
		return e.HandleContainerEvent(ctx, ev)
	case *types.ContainerEvent:
		return e.HandleContainerEvent(ctx, *ev)
	case types.BuildCancelEvent:
		return e.HandleBuildCancel(ctx, ev)
	case *types.BuildCancelEvent:
		return e.HandleBuildCancel(ctx, *ev)
	default:
		e.logger.Warn("Dropping event of unknown type", logger.WithField("type", fmt.Sprintf("%T", event)))
		return nil
	}
}
