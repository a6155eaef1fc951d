// Package process ties the worker lifetime to OS signals
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/buildflow/buildflow/pkg/logger"
)

// DefaultHeartbeatInterval is used when SetHeartbeat gets a non-positive interval
const DefaultHeartbeatInterval = 30 * time.Second

// Manager handles process lifecycle and signals. SIGINT and SIGTERM shut the
// process down; SIGHUP runs the reload handler when one is set.
type Manager struct {
	logger            logger.Logger
	shutdownHandlers  []func()
	reloadHandler     func()
	heartbeatFunc     func(context.Context)
	heartbeatInterval time.Duration
	signals           chan os.Signal
	done              chan struct{}
	wg                sync.WaitGroup
	mu                sync.Mutex
	running           bool
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger:            log,
		heartbeatInterval: DefaultHeartbeatInterval,
		signals:           make(chan os.Signal, 1),
		done:              make(chan struct{}),
	}
}

// RegisterShutdownHandler adds a shutdown handler. Handlers run in reverse registration order.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// SetReloadHandler sets the function run on SIGHUP
func (m *Manager) SetReloadHandler(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadHandler = fn
}

// SetHeartbeat sets a function run every interval while the manager runs
func (m *Manager) SetHeartbeat(interval time.Duration, fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	m.heartbeatInterval = interval
	m.heartbeatFunc = fn
}

// Start listens for signals. The returned context is canceled when ctx ends
// or a shutdown signal arrives; shutdown handlers have run by the time Wait returns.
func (m *Manager) Start(ctx context.Context) context.Context {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ctx
	}
	m.running = true
	heartbeat := m.heartbeatFunc
	interval := m.heartbeatInterval
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	signal.Notify(m.signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.done)
		defer signal.Stop(m.signals)

		for {
			select {
			case <-ctx.Done():
				m.handleShutdown()
				return
			case sig := <-m.signals:
				if sig == syscall.SIGHUP {
					m.handleReload()
					continue
				}
				m.logger.Info("Received signal", logger.WithField("signal", sig.String()))
				cancel()
			}
		}
	}()

	if heartbeat != nil {
		m.startHeartbeat(ctx, interval, heartbeat)
	}
	return ctx
}

// Wait blocks until shutdown handlers have run
func (m *Manager) Wait() {
	<-m.done
	m.wg.Wait()
}

func (m *Manager) handleShutdown() {
	m.logger.Info("Initiating graceful shutdown...")

	m.mu.Lock()
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.running = false
	m.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		m.safely("shutdown", handlers[i])
	}
}

func (m *Manager) handleReload() {
	m.mu.Lock()
	fn := m.reloadHandler
	m.mu.Unlock()
	if fn == nil {
		m.logger.Debug("SIGHUP ignored, no reload handler")
		return
	}
	m.logger.Info("Received SIGHUP, reloading")
	m.safely("reload", fn)
}

func (m *Manager) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Process handler panicked",
				logger.WithField("handler", what),
				logger.WithField("panic", r))
		}
	}()
	fn()
}

func (m *Manager) startHeartbeat(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.safely("heartbeat", func() { fn(ctx) })
			}
		}
	}()
}
