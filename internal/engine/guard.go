package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/buildflow/buildflow/internal/lock"
	"github.com/buildflow/buildflow/internal/store"
	bcontext "github.com/buildflow/buildflow/pkg/context"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/metrics"
	"github.com/buildflow/buildflow/pkg/types"
)

var (
	// ErrDispatch indicates an outbound event could not be published
	ErrDispatch = errors.New("event dispatch failed")

	// ErrPanic indicates a handler panicked; the panic value is in the message
	ErrPanic = errors.New("handler panicked")

	// ErrBuildFinished indicates the build already reached a terminal status
	ErrBuildFinished = errors.New("build already finished")

	// ErrInvalidResult indicates an agent reported a status that is not a task result
	ErrInvalidResult = errors.New("invalid task result")

	// ErrInvalidParams indicates task parameters that are not a JSON object
	ErrInvalidParams = errors.New("task params must be a JSON object")
)

// RetryableError marks a failure the bus should redeliver
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: retryable: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err asks for redelivery
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// isTransient reports whether err comes from infrastructure that may recover
func isTransient(err error) bool {
	return errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, lock.ErrTimeout) ||
		errors.Is(err, lock.ErrBackend) ||
		errors.Is(err, ErrDispatch) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// locked runs fn while holding the build lock. Panics inside fn become ErrPanic.
func (e *Engine) locked(ctx context.Context, buildID string, log logger.Logger, fn func(ctx context.Context) error) (err error) {
	waitStart := time.Now()
	held, err := e.locker.Acquire(ctx, buildID, e.LockTimeout())
	metrics.ObserveLockWait(time.Since(waitStart))
	if err != nil {
		return fmt.Errorf("acquire build lock: %w", err)
	}
	defer func() {
		if rerr := held.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Warn("Failed to release build lock", logger.WithError(rerr))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return fn(ctx)
}

// guarded validates an event, runs fn under the build lock and applies the
// error policy: missing records and lost races are absorbed, transient
// failures are returned for redelivery, and everything else is logged and dropped.
func (e *Engine) guarded(ctx context.Context, event types.Event, log logger.Logger, fn func(ctx context.Context, log logger.Logger) error) error {
	ctx = bcontext.EnrichContext(ctx, event.EventType())
	if user := actingUser(event); user != "" {
		ctx = bcontext.WithUserID(ctx, user)
	}
	log = logger.WithContext(ctx, log)

	outcome := metrics.OutcomeOK
	defer func() {
		metrics.ObserveHandled(event.EventType(), outcome, bcontext.Elapsed(ctx))
	}()

	if err := e.validate.Struct(event); err != nil {
		outcome = metrics.OutcomeInvalid
		log.Warn("Dropping malformed event", logger.WithError(err))
		return nil
	}

	err := e.locked(ctx, event.GetBuildID(), log, func(ctx context.Context) error {
		return fn(ctx, log)
	})

	switch {
	case err == nil:
		log.Debug("Event handled", logger.WithField("elapsed", bcontext.Elapsed(ctx)))
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
		outcome = metrics.OutcomeAbsorbed
		log.Info("State moved on, nothing to do",
			logger.WithField("elapsed", bcontext.Elapsed(ctx)),
			logger.WithError(err))
		return nil
	case isTransient(err):
		outcome = metrics.OutcomeRetry
		log.Warn("Transient failure, event will be redelivered",
			logger.WithField("elapsed", bcontext.Elapsed(ctx)),
			logger.WithError(err))
		return &RetryableError{Op: event.EventType(), Err: err}
	default:
		outcome = metrics.OutcomeSwallowed
		log.Error("Event handling failed",
			logger.WithField("elapsed", bcontext.Elapsed(ctx)),
			logger.WithError(err))
		return nil
	}
}

// actingUser returns the user an event was issued by, if any
func actingUser(event types.Event) string {
	switch ev := event.(type) {
	case types.TaskPauseEvent:
		return ev.UserID
	case types.ContainerEvent:
		return ev.UserID
	case types.BuildCancelEvent:
		return ev.UserID
	}
	return ""
}
