package engine_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/internal/engine"
	"github.com/buildflow/buildflow/internal/lock"
	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

func TestLockTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.seed(pausedTree("b1"))

	held, err := h.locks.Acquire(h.ctx, "b1", time.Second)
	require.NoError(t, err)

	h.engine.SetLockTimeout(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, h.engine.LockTimeout())

	err = h.engine.HandlePauseEvent(h.ctx, continueEvent("alice"))
	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))
	assert.ErrorIs(t, err, lock.ErrTimeout)
	assert.Zero(t, h.store.Writes())

	require.NoError(t, held.Release(h.ctx))
	require.NoError(t, h.engine.HandlePauseEvent(h.ctx, continueEvent("alice")))
	assert.Equal(t, types.BuildStatusQueue, h.task("b1", "t2").Status)
}

func TestSetLockTimeoutIgnoresNonPositive(t *testing.T) {
	h := newHarness(t)
	before := h.engine.LockTimeout()

	h.engine.SetLockTimeout(0)
	h.engine.SetLockTimeout(-time.Second)
	assert.Equal(t, before, h.engine.LockTimeout())
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.seed(pausedTree("b1"))

	h.store.PanicOn("GetPauseValue", "corrupted value")
	require.NoError(t, h.engine.HandlePauseEvent(h.ctx, continueEvent("alice")))
	assert.False(t, h.locks.Held("b1"), "lock is released after a panic")
	assert.Empty(t, h.dispatcher.Events())

	require.NoError(t, h.engine.HandleBuildCancel(h.ctx, cancelEvent("carol")))
	assert.Equal(t, types.BuildStatusCanceled, h.build("b1").Status)
}

func TestMalformedEventsDropped(t *testing.T) {
	h := newHarness(t)
	h.seed(pausedTree("b1"))

	events := []types.Event{
		types.TaskPauseEvent{BuildID: "b1", Action: types.ActionRefresh},
		types.TaskPauseEvent{BuildID: "b1", TaskID: "t2", Action: "PAUSE"},
		types.TaskPauseEvent{TaskID: "t2", Action: types.ActionEnd},
		types.ContainerEvent{BuildID: "b1", ContainerID: "c1", Action: types.ActionEnd},
		types.BuildCancelEvent{},
	}
	for _, ev := range events {
		assert.NoError(t, h.engine.Handle(h.ctx, ev), "%+v", ev)
	}

	assert.Zero(t, h.store.Writes())
	assert.Empty(t, h.dispatcher.Events())
	assert.Equal(t, types.BuildStatusRunning, h.build("b1").Status)
}

func TestHandleRoutesPointerEvents(t *testing.T) {
	h := newHarness(t)
	h.seed(pausedTree("b1"))

	ev := continueEvent("alice")
	require.NoError(t, h.engine.Handle(h.ctx, &ev))
	assert.Equal(t, types.BuildStatusQueue, h.task("b1", "t2").Status)
}

func TestStoreErrorPolicy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"conflict is absorbed", fmt.Errorf("task t2: %w", store.ErrConflict), false},
		{"not found is absorbed", store.ErrNotFound, false},
		{"unavailable is retried", store.ErrUnavailable, true},
		{"lock backend is retried", lock.ErrBackend, true},
		{"unknown error is swallowed", errors.New("disk on fire"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(pausedTree("b1"))
			h.store.FailOn("UpdateTaskStatus", tt.err)

			err := h.engine.HandlePauseEvent(h.ctx, continueEvent("alice"))
			if tt.retryable {
				require.Error(t, err)
				assert.True(t, engine.IsRetryable(err))
				assert.ErrorIs(t, err, tt.err)
				return
			}
			assert.NoError(t, err)
			assert.Empty(t, h.dispatcher.Events())
		})
	}
}

func TestRetryableErrorMessage(t *testing.T) {
	err := &engine.RetryableError{Op: types.EventTypeTaskPause, Err: store.ErrUnavailable}
	assert.Equal(t, "task.pause: retryable: store unavailable", err.Error())
	assert.False(t, engine.IsRetryable(store.ErrUnavailable))
	assert.True(t, engine.IsRetryable(fmt.Errorf("wrapped: %w", err)))
}

func TestHandlerLogsCarryUserAndElapsed(t *testing.T) {
	h := newHarness(t)
	h.seed(pausedTree("b1"))

	var buf bytes.Buffer
	eng := engine.New(interfaces.EngineDependencies{
		Store:      h.store,
		Locker:     h.locks,
		Dispatcher: h.dispatcher,
		Detail:     h.detail,
		BuildLog:   h.buildLog,
	}, logger.CreateLoggerWithOutput("debug", &buf))

	require.NoError(t, eng.HandlePauseEvent(h.ctx, continueEvent("alice")))
	require.NoError(t, eng.HandleBuildCancel(h.ctx, types.BuildCancelEvent{BuildID: "missing", UserID: "carol"}))

	var continued, handled, absorbed string
	for _, line := range strings.Split(buf.String(), "\n") {
		switch {
		case strings.Contains(line, "Paused task continued"):
			continued = line
		case strings.Contains(line, "Event handled"):
			handled = line
		case strings.Contains(line, "State moved on"):
			absorbed = line
		}
	}

	assert.Contains(t, continued, "user=alice")
	assert.Contains(t, continued, "request_id=req_")
	assert.Contains(t, continued, "operation="+types.EventTypeTaskPause)
	assert.Contains(t, handled, "elapsed=")
	assert.Contains(t, handled, "user=alice")
	assert.Contains(t, absorbed, "user=carol")
	assert.Contains(t, absorbed, "elapsed=")
}
