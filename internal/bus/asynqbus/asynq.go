// Package asynqbus carries engine events over redis using asynq, so that
// several workers can share the load of many builds
package asynqbus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"

	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/metrics"
	"github.com/buildflow/buildflow/pkg/types"
)

// DefaultQueue is the asynq queue events are enqueued on
const DefaultQueue = "buildflow"

// Options configure the redis connection and delivery
type Options struct {
	RedisAddr       string
	RedisDB         int
	Password        string
	Queue           string
	Concurrency     int
	MaxRedeliveries int
	Backoff         time.Duration
	MaxBackoff      time.Duration
}

func (o *Options) applyDefaults() {
	if o.Queue == "" {
		o.Queue = DefaultQueue
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
}

// Bus implements interfaces.Bus on asynq
type Bus struct {
	opts   Options
	logger logger.Logger
	client *asynq.Client
	server *asynq.Server

	mu       sync.RWMutex
	handlers map[string]interfaces.EventHandler

	started  atomic.Bool
	stopOnce sync.Once
}

var _ interfaces.Bus = (*Bus)(nil)

// New connects a client and prepares a server for the configured queue
func New(opts Options, log logger.Logger) *Bus {
	opts.applyDefaults()
	redisOpt := asynq.RedisClientOpt{
		Addr:     opts.RedisAddr,
		Password: opts.Password,
		DB:       opts.RedisDB,
	}

	b := &Bus{
		opts:     opts,
		logger:   log,
		client:   asynq.NewClient(redisOpt),
		handlers: make(map[string]interfaces.EventHandler),
	}
	b.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    opts.Concurrency,
		Queues:         map[string]int{opts.Queue: 1},
		RetryDelayFunc: b.retryDelay,
		ErrorHandler:   asynq.ErrorHandlerFunc(b.onError),
		Logger:         &asynqLogger{log: log},
		LogLevel:       asynq.WarnLevel,
	})
	return b
}

// Subscribe routes an event type to handler. Subscriptions made after Start are ignored.
func (b *Bus) Subscribe(eventType string, handler interfaces.EventHandler) {
	if b.started.Load() {
		b.logger.Warn("Ignoring subscription on a started bus", logger.WithField("type", eventType))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = handler
}

// Dispatch enqueues each event as an asynq task named after the event type
func (b *Bus) Dispatch(ctx context.Context, events ...types.Event) error {
	for _, ev := range events {
		payload, err := types.EncodeEvent(ev)
		if err != nil {
			return err
		}
		task := asynq.NewTask(ev.EventType(), payload)
		info, err := b.client.EnqueueContext(ctx, task,
			asynq.Queue(b.opts.Queue),
			asynq.MaxRetry(b.opts.MaxRedeliveries))
		if err != nil {
			return fmt.Errorf("enqueue %s event for build %s: %w", ev.EventType(), ev.GetBuildID(), err)
		}
		b.logger.Debug("Event enqueued",
			logger.WithField("type", ev.EventType()),
			logger.WithField("build", ev.GetBuildID()),
			logger.WithField("task_id", info.ID))
	}
	return nil
}

// Start begins consuming the queue
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already started")
	}

	mux := asynq.NewServeMux()
	b.mu.RLock()
	for eventType, handler := range b.handlers {
		mux.HandleFunc(eventType, b.process(handler))
	}
	b.mu.RUnlock()

	if err := b.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	b.logger.Info("Event bus started",
		logger.WithField("redis", b.opts.RedisAddr),
		logger.WithField("queue", b.opts.Queue),
		logger.WithField("concurrency", b.opts.Concurrency))

	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	return nil
}

// Stop waits for in-flight handlers and closes the redis connections
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		if b.started.Load() {
			b.server.Shutdown()
		}
		if err := b.client.Close(); err != nil {
			b.logger.Warn("Failed to close asynq client", logger.WithError(err))
		}
		b.logger.Info("Event bus stopped")
	})
}

// process adapts a handler. Undecodable payloads and panics are not retried.
func (b *Bus) process(handler interfaces.EventHandler) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) (err error) {
		event, err := types.DecodeEvent(task.Type(), task.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Event handler panicked",
					logger.WithField("type", task.Type()),
					logger.WithField("panic", r))
				err = fmt.Errorf("handler panic: %v: %w", r, asynq.SkipRetry)
			}
		}()

		if err := handler(ctx, event); err != nil {
			metrics.IncRedelivery(task.Type())
			return err
		}
		return nil
	}
}

func (b *Bus) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	delay := b.opts.Backoff
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= b.opts.MaxBackoff {
			return b.opts.MaxBackoff
		}
	}
	return delay
}

func (b *Bus) onError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	b.logger.Warn("Event delivery failed",
		logger.WithField("type", task.Type()),
		logger.WithField("retried", retried),
		logger.WithError(err))
}

// asynqLogger routes asynq's internal logging through the process logger
type asynqLogger struct {
	log logger.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
	os.Exit(1)
}
