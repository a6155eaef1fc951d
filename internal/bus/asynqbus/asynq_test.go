package asynqbus

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

func TestRetryDelay(t *testing.T) {
	b := &Bus{opts: Options{Backoff: time.Second, MaxBackoff: 10 * time.Second}}

	assert.Equal(t, time.Second, b.retryDelay(0, nil, nil))
	assert.Equal(t, 2*time.Second, b.retryDelay(1, nil, nil))
	assert.Equal(t, 8*time.Second, b.retryDelay(3, nil, nil))
	assert.Equal(t, 10*time.Second, b.retryDelay(4, nil, nil))
}

func TestProcess(t *testing.T) {
	b := &Bus{logger: logger.NewNopLogger()}
	payload, err := types.EncodeEvent(types.BuildCancelEvent{BuildID: "b1", UserID: "carol"})
	require.NoError(t, err)
	task := asynq.NewTask(types.EventTypeBuildCancel, payload)

	var got types.Event
	ok := b.process(func(_ context.Context, ev types.Event) error {
		got = ev
		return nil
	})
	require.NoError(t, ok(context.Background(), task))
	assert.Equal(t, types.BuildCancelEvent{BuildID: "b1", UserID: "carol"}, got)

	busy := errors.New("lock busy")
	retry := b.process(func(context.Context, types.Event) error { return busy })
	err = retry(context.Background(), task)
	assert.ErrorIs(t, err, busy)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	boom := b.process(func(context.Context, types.Event) error { panic("bug") })
	assert.ErrorIs(t, boom(context.Background(), task), asynq.SkipRetry)

	garbage := asynq.NewTask(types.EventTypeBuildCancel, []byte("{"))
	assert.ErrorIs(t, ok(context.Background(), garbage), asynq.SkipRetry)
}

func TestAsynqLogger(t *testing.T) {
	var buf bytes.Buffer
	l := &asynqLogger{log: logger.CreateLoggerWithOutput("debug", &buf)}

	l.Info("server ", "started")
	l.Warn("slow")
	assert.Contains(t, buf.String(), "server started")
	assert.Contains(t, buf.String(), "slow")
}

func TestBusRoundTrip(t *testing.T) {
	addr := os.Getenv("BUILDFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("BUILDFLOW_TEST_REDIS not set")
	}

	b := New(Options{RedisAddr: addr, Queue: "buildflow-test", Backoff: 10 * time.Millisecond}, logger.NewNopLogger())
	var seen atomic.Int32
	b.Subscribe(types.EventTypeBuildCancel, func(_ context.Context, ev types.Event) error {
		if ev.GetBuildID() == "b1" {
			seen.Add(1)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	require.NoError(t, b.Dispatch(ctx, types.BuildCancelEvent{BuildID: "b1"}))
	assert.Eventually(t, func() bool { return seen.Load() == 1 }, 10*time.Second, 50*time.Millisecond)
}
