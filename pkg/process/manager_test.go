package process_test

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/process"
)

func TestShutdownHandlersRunInReverse(t *testing.T) {
	m := process.NewManager(logger.NewNopLogger())

	var order []int
	m.RegisterShutdownHandler(func() { order = append(order, 1) })
	m.RegisterShutdownHandler(func() { panic("broken handler") })
	m.RegisterShutdownHandler(func() { order = append(order, 3) })

	ctx, cancel := context.WithCancel(context.Background())
	runCtx := m.Start(ctx)
	assert.Equal(t, runCtx, m.Start(runCtx), "a second Start is a no-op")

	cancel()
	m.Wait()

	assert.Error(t, runCtx.Err())
	assert.Equal(t, []int{3, 1}, order)
}

func TestSignalCancelsContext(t *testing.T) {
	m := process.NewManager(logger.NewNopLogger())
	var reloads atomic.Int32
	m.SetReloadHandler(func() { reloads.Add(1) })

	runCtx := m.Start(context.Background())

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, runCtx.Err(), "SIGHUP does not stop the process")

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-runCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM did not cancel the context")
	}
	m.Wait()
}

func TestHeartbeat(t *testing.T) {
	m := process.NewManager(logger.NewNopLogger())
	var beats atomic.Int32
	m.SetHeartbeat(5*time.Millisecond, func(context.Context) { beats.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	require.Eventually(t, func() bool { return beats.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	m.Wait()
}
