package lock_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/buildflow/buildflow/internal/lock"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	testExclusive(t, lock.NewLocalLocker(), "b1")
}

func TestLocalLocker_Timeout(t *testing.T) {
	testTimeout(t, lock.NewLocalLocker(), "b1")
}

func TestLocalLocker_IndependentBuilds(t *testing.T) {
	l := lock.NewLocalLocker()
	ctx := context.Background()

	a, err := l.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.Acquire(ctx, "b", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("different builds must not share a lock: %v", err)
	}
	_ = a.Release(ctx)
	_ = b.Release(ctx)

	if l.Held() != 0 {
		t.Errorf("expected slots to be reclaimed, %d left", l.Held())
	}
}

func TestLocalLocker_DoubleRelease(t *testing.T) {
	testDoubleRelease(t, lock.NewLocalLocker(), "b1")
}

func TestLocalLocker_ContextCanceled(t *testing.T) {
	l := lock.NewLocalLocker()
	held, err := l.Acquire(context.Background(), "b1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, "b1", time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func redisLocker(t *testing.T) *lock.RedisLocker {
	addr := os.Getenv("BUILDFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("BUILDFLOW_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewRedisLocker(client, lock.RedisOptions{
		KeyPrefix: "buildflow-test:" + uuid.NewString() + ":",
		TTL:       300 * time.Millisecond,
	}, logger.NewNopLogger())
}

func TestRedisLocker_Exclusive(t *testing.T) {
	testExclusive(t, redisLocker(t), "b1")
}

func TestRedisLocker_Timeout(t *testing.T) {
	testTimeout(t, redisLocker(t), "b1")
}

func TestRedisLocker_DoubleRelease(t *testing.T) {
	testDoubleRelease(t, redisLocker(t), "b1")
}

func TestRedisLocker_LeaseOutlivesTTL(t *testing.T) {
	l := redisLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "b1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Second)

	if _, err := l.Acquire(ctx, "b1", 50*time.Millisecond); !errors.Is(err, lock.ErrTimeout) {
		t.Fatalf("heartbeat should keep the lease alive, got %v", err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatal(err)
	}
}

func testExclusive(t *testing.T, l interfaces.Locker, buildID string) {
	ctx := context.Background()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			held, err := l.Acquire(ctx, buildID, 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			if err := held.Release(ctx); err != nil {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
}

func testTimeout(t *testing.T, l interfaces.Locker, buildID string) {
	ctx := context.Background()
	held, err := l.Acquire(ctx, buildID, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(ctx)

	start := time.Now()
	_, err = l.Acquire(ctx, buildID, 30*time.Millisecond)
	if !errors.Is(err, lock.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("returned before the wait bound")
	}
}

func testDoubleRelease(t *testing.T, l interfaces.Locker, buildID string) {
	ctx := context.Background()
	held, err := l.Acquire(ctx, buildID, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if err := held.Release(ctx); !errors.Is(err, lock.ErrNotHeld) {
		t.Errorf("expected ErrNotHeld, got %v", err)
	}

	again, err := l.Acquire(ctx, buildID, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("lock should be free after release: %v", err)
	}
	_ = again.Release(ctx)
}
