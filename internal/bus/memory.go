// Package bus delivers engine events to their handlers with at-least-once
// semantics. A handler error schedules a redelivery with exponential backoff.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/metrics"
	"github.com/buildflow/buildflow/pkg/types"
)

// ErrClosed is returned when dispatching on a stopped bus
var ErrClosed = errors.New("bus closed")

// Options tune delivery
type Options struct {
	Workers         int
	QueueSize       int
	MaxRedeliveries int
	Backoff         time.Duration
	MaxBackoff      time.Duration
	// RedeliveryRate caps redeliveries per second across the bus; zero means unlimited
	RedeliveryRate float64
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxRedeliveries < 0 {
		o.MaxRedeliveries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

type delivery struct {
	eventType string
	payload   []byte
	attempt   int
}

// MemoryBus is an in-process bus. Events are serialized on dispatch so
// handlers never share memory with the publisher.
type MemoryBus struct {
	opts    Options
	logger  logger.Logger
	limiter *rate.Limiter

	mu       sync.RWMutex
	handlers map[string]interfaces.EventHandler

	queue   chan delivery
	done    chan struct{}
	pending atomic.Int64

	cancel   context.CancelFunc
	group    *SafeGroup
	started  atomic.Bool
	stopOnce sync.Once
}

var _ interfaces.Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus; call Start to begin delivering
func NewMemoryBus(opts Options, log logger.Logger) *MemoryBus {
	opts.applyDefaults()
	limit := rate.Inf
	if opts.RedeliveryRate > 0 {
		limit = rate.Limit(opts.RedeliveryRate)
	}
	return &MemoryBus{
		opts:     opts,
		logger:   log,
		limiter:  rate.NewLimiter(limit, 1),
		handlers: make(map[string]interfaces.EventHandler),
		queue:    make(chan delivery, opts.QueueSize),
		done:     make(chan struct{}),
	}
}

// Subscribe routes an event type to handler, replacing any previous one
func (b *MemoryBus) Subscribe(eventType string, handler interfaces.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = handler
}

// Dispatch enqueues events in order. It blocks while the queue is full.
func (b *MemoryBus) Dispatch(ctx context.Context, events ...types.Event) error {
	for _, ev := range events {
		payload, err := types.EncodeEvent(ev)
		if err != nil {
			return err
		}
		if err := b.enqueue(ctx, delivery{eventType: ev.EventType(), payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) enqueue(ctx context.Context, d delivery) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	b.pending.Add(1)
	select {
	case b.queue <- d:
		return nil
	case <-b.done:
		b.pending.Add(-1)
		return ErrClosed
	case <-ctx.Done():
		b.pending.Add(-1)
		return ctx.Err()
	}
}

// Start launches the workers. It returns immediately.
func (b *MemoryBus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already started")
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.group, ctx = NewSafeGroup(ctx, b.logger)
	for i := 0; i < b.opts.Workers; i++ {
		b.group.Go(func() error {
			b.work(ctx)
			return nil
		})
	}

	b.logger.Info("Event bus started",
		logger.WithField("workers", b.opts.Workers),
		logger.WithField("max_redeliveries", b.opts.MaxRedeliveries))
	return nil
}

// Stop stops the workers. Queued and scheduled deliveries are dropped.
func (b *MemoryBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.cancel != nil {
			b.cancel()
		}
		if b.group != nil {
			if err := b.group.Wait(); err != nil {
				b.logger.Warn("Bus worker exited with error", logger.WithError(err))
			}
		}
		b.logger.Info("Event bus stopped", logger.WithField("dropped", b.pending.Load()))
	})
}

// Pending returns deliveries queued, in flight or waiting for redelivery
func (b *MemoryBus) Pending() int64 {
	return b.pending.Load()
}

// Idle blocks until nothing is pending or ctx ends
func (b *MemoryBus) Idle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (b *MemoryBus) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.queue:
			b.deliver(ctx, d)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, d delivery) {
	err := b.handle(ctx, d)
	if err == nil {
		b.pending.Add(-1)
		return
	}

	if d.attempt >= b.opts.MaxRedeliveries {
		b.pending.Add(-1)
		b.logger.Error("Dropping event after redeliveries",
			logger.WithField("type", d.eventType),
			logger.WithField("attempts", d.attempt+1),
			logger.WithError(err))
		return
	}

	d.attempt++
	delay := b.backoff(d.attempt)
	metrics.IncRedelivery(d.eventType)
	b.logger.Warn("Event will be redelivered",
		logger.WithField("type", d.eventType),
		logger.WithField("attempt", d.attempt),
		logger.WithField("delay", delay),
		logger.WithError(err))

	time.AfterFunc(delay, func() {
		if err := b.limiter.Wait(ctx); err != nil {
			b.pending.Add(-1)
			return
		}
		select {
		case b.queue <- d:
		case <-b.done:
			b.pending.Add(-1)
		}
	})
}

// handle decodes and runs one delivery. A panicking handler is not redelivered.
func (b *MemoryBus) handle(ctx context.Context, d delivery) (err error) {
	b.mu.RLock()
	handler, ok := b.handlers[d.eventType]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn("No handler for event type", logger.WithField("type", d.eventType))
		return nil
	}

	event, err := types.DecodeEvent(d.eventType, d.payload)
	if err != nil {
		b.logger.Error("Dropping undecodable event", logger.WithField("type", d.eventType), logger.WithError(err))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				logger.WithField("type", d.eventType),
				logger.WithField("panic", r))
			err = nil
		}
	}()
	return handler(ctx, event)
}

// backoff doubles the base delay per attempt up to MaxBackoff
func (b *MemoryBus) backoff(attempt int) time.Duration {
	delay := b.opts.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.opts.MaxBackoff {
			return b.opts.MaxBackoff
		}
	}
	return delay
}
