package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
)

// ErrBackend indicates the lock service could not be reached; callers may retry
var ErrBackend = errors.New("lock backend unavailable")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisOptions configures RedisLocker
type RedisOptions struct {
	KeyPrefix     string
	TTL           time.Duration
	RetryInterval time.Duration
}

// RedisLocker is a lease lock shared by every worker connected to the same redis.
// The lease is extended while held so a long handler does not lose it.
type RedisLocker struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger logger.Logger
}

var _ interfaces.Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a redis-backed locker
func NewRedisLocker(client redis.UniversalClient, opts RedisOptions, log logger.Logger) *RedisLocker {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "buildflow:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	return &RedisLocker{client: client, opts: opts, logger: log}
}

// Acquire polls SET NX until it wins the key or timeout elapses
func (r *RedisLocker) Acquire(ctx context.Context, buildID string, timeout time.Duration) (interfaces.Lock, error) {
	key := r.opts.KeyPrefix + buildID
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: acquire %s: %v", ErrBackend, buildID, err)
		}
		if ok {
			l := &redisLock{
				client:  r.client,
				key:     key,
				token:   token,
				buildID: buildID,
				ttl:     r.opts.TTL,
				logger:  r.logger.WithBuild(buildID),
				stop:    make(chan struct{}),
			}
			l.startHeartbeat()
			return l, nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("build %s: %w", buildID, ErrTimeout)
		}

		wait := r.opts.RetryInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

type redisLock struct {
	client  redis.UniversalClient
	key     string
	token   string
	buildID string
	ttl     time.Duration
	logger  logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
}

// startHeartbeat extends the lease every third of its ttl until released
func (l *redisLock) startHeartbeat() {
	ticker := time.NewTicker(l.ttl / 3)
	l.done.Add(1)

	go func() {
		defer l.done.Done()
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
				cancel()
				if err != nil {
					l.logger.Warn("Failed to extend build lock", logger.WithError(err))
					continue
				}
				if n == 0 {
					l.logger.Error("Build lock lease lost")
					return
				}
			}
		}
	}()
}

func (l *redisLock) Release(ctx context.Context) error {
	released := false
	l.stopOnce.Do(func() {
		close(l.stop)
		released = true
	})
	if !released {
		return fmt.Errorf("build %s: %w", l.buildID, ErrNotHeld)
	}
	l.done.Wait()

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrBackend, l.buildID, err)
	}
	if n == 0 {
		return fmt.Errorf("build %s: %w", l.buildID, ErrNotHeld)
	}
	return nil
}
