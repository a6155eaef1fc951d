package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/internal/bus"
	"github.com/buildflow/buildflow/internal/engine"
	"github.com/buildflow/buildflow/internal/lock"
	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/buildlog"
	"github.com/buildflow/buildflow/pkg/detail"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

func startBus(t *testing.T, opts bus.Options) *bus.MemoryBus {
	t.Helper()
	b := bus.NewMemoryBus(opts, logger.NewNopLogger())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

func waitIdle(t *testing.T, b *bus.MemoryBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Idle(ctx))
}

func TestMemoryBusDelivers(t *testing.T) {
	b := startBus(t, bus.Options{Workers: 2})

	var (
		mu       sync.Mutex
		received []types.Event
	)
	b.Subscribe(types.EventTypeBuildCancel, func(_ context.Context, ev types.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
		return nil
	})

	sent := types.BuildCancelEvent{BuildID: "b1", UserID: "carol", Source: "api"}
	require.NoError(t, b.Dispatch(context.Background(), sent))
	waitIdle(t, b)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, sent, received[0])
}

func TestMemoryBusRedelivers(t *testing.T) {
	b := startBus(t, bus.Options{Workers: 1, MaxRedeliveries: 3, Backoff: time.Millisecond})

	var attempts atomic.Int32
	b.Subscribe(types.EventTypeBuildCancel, func(context.Context, types.Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("lock busy")
		}
		return nil
	})

	require.NoError(t, b.Dispatch(context.Background(), types.BuildCancelEvent{BuildID: "b1"}))
	waitIdle(t, b)

	assert.Equal(t, int32(3), attempts.Load())
}

func TestMemoryBusGivesUp(t *testing.T) {
	b := startBus(t, bus.Options{Workers: 1, MaxRedeliveries: 2, Backoff: time.Millisecond})

	var attempts atomic.Int32
	b.Subscribe(types.EventTypeBuildCancel, func(context.Context, types.Event) error {
		attempts.Add(1)
		return errors.New("store down")
	})

	require.NoError(t, b.Dispatch(context.Background(), types.BuildCancelEvent{BuildID: "b1"}))
	waitIdle(t, b)

	assert.Equal(t, int32(3), attempts.Load())
	assert.Zero(t, b.Pending())
}

func TestMemoryBusSurvivesPanics(t *testing.T) {
	b := startBus(t, bus.Options{Workers: 1, MaxRedeliveries: 5, Backoff: time.Millisecond})

	var calls atomic.Int32
	b.Subscribe(types.EventTypeBuildCancel, func(_ context.Context, ev types.Event) error {
		calls.Add(1)
		if ev.GetBuildID() == "boom" {
			panic("handler bug")
		}
		return nil
	})

	require.NoError(t, b.Dispatch(context.Background(),
		types.BuildCancelEvent{BuildID: "boom"},
		types.BuildCancelEvent{BuildID: "b2"}))
	waitIdle(t, b)

	assert.Equal(t, int32(2), calls.Load(), "a panic is not redelivered")
}

func TestMemoryBusUnroutedEvent(t *testing.T) {
	b := startBus(t, bus.Options{})

	require.NoError(t, b.Dispatch(context.Background(), types.BuildCancelEvent{BuildID: "b1"}))
	waitIdle(t, b)
}

func TestMemoryBusClosed(t *testing.T) {
	b := bus.NewMemoryBus(bus.Options{}, logger.NewNopLogger())
	require.NoError(t, b.Start(context.Background()))
	assert.Error(t, b.Start(context.Background()))

	b.Stop()
	b.Stop()

	err := b.Dispatch(context.Background(), types.BuildCancelEvent{BuildID: "b1"})
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestMemoryBusDrivesEngine(t *testing.T) {
	log := logger.NewNopLogger()
	b := startBus(t, bus.Options{Workers: 4, MaxRedeliveries: 3, Backoff: time.Millisecond})
	st := store.NewMemoryStore()

	e := engine.New(interfaces.EngineDependencies{
		Store:      st,
		Locker:     lock.NewLocalLocker(),
		Dispatcher: b,
		Detail:     detail.New(detail.Config{Enabled: true}, log),
		BuildLog:   buildlog.NewPrinter(log, 0),
	}, log)
	e.Register(b)

	tree := types.NewTreeBuilder("b1", "proj", "pipe", "alice").
		Stage("s1", false).
		Container("c1", "").
		Task("t1", "approve", `{}`).
		MustBuild()
	ctx := context.Background()
	require.NoError(t, st.CreateBuild(ctx, tree))

	for _, id := range []string{"startVM-c1", "t1"} {
		task, err := e.ClaimTask(ctx, "b1", "c1")
		require.NoError(t, err)
		require.Equal(t, id, task.TaskID)
		if id == "startVM-c1" {
			require.NoError(t, e.ReportTaskResult(ctx, "b1", id, types.BuildStatusSucceed))
		}
	}
	require.NoError(t, e.PauseTask(ctx, "b1", "t1", ""))

	require.NoError(t, b.Dispatch(ctx, types.TaskPauseEvent{
		BuildID: "b1", StageID: "s1", ContainerID: "c1", TaskID: "t1",
		UserID: "bob", Action: types.ActionEnd,
	}))
	waitIdle(t, b)

	build, err := st.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusCanceled, build.Status)
	assert.Equal(t, "bob", build.CancelUser)

	c, err := st.GetContainer(ctx, "b1", "s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusCanceled, c.Status)
}
