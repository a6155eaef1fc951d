package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// DefaultDebouncePeriod collapses the burst of events one editor save produces
const DefaultDebouncePeriod = 500 * time.Millisecond

// ReloadCallback is called when configuration changes. Exactly one of cfg and err is set.
type ReloadCallback func(cfg *types.EngineConfig, err error)

// ReloadManager watches a worker's configuration file and hands each valid
// new version to its callbacks. Invalid versions are reported and otherwise
// ignored, so the worker keeps running on the last good configuration.
type ReloadManager struct {
	path     string
	logger   logger.Logger
	manager  *Manager
	debounce time.Duration

	mu        sync.RWMutex
	callbacks []ReloadCallback
	watcher   *fsnotify.Watcher
	stop      chan struct{}
	timer     *time.Timer
	applied   []byte
}

// NewReloadManager creates a reload manager for the file at configPath
func NewReloadManager(configPath string, log logger.Logger) *ReloadManager {
	return &ReloadManager{
		path:     configPath,
		logger:   log,
		manager:  NewManager(),
		debounce: DefaultDebouncePeriod,
	}
}

// AddCallback registers a callback; callbacks run in registration order
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// SetDebouncePeriod sets how long the file must stay quiet before it is reloaded
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debounce = period
}

// StartWatching begins watching the configuration file. The current content
// counts as applied, so only later edits trigger callbacks.
func (rm *ReloadManager) StartWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.watcher != nil {
		return fmt.Errorf("already watching %s", rm.path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched
	if err := watcher.Add(filepath.Dir(rm.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	if data, err := os.ReadFile(rm.path); err == nil {
		rm.applied = data
	}
	rm.watcher = watcher
	rm.stop = make(chan struct{})
	go rm.watchLoop(watcher, rm.stop)

	rm.logger.Debug("Watching configuration file", logger.WithField("path", rm.path))
	return nil
}

// StopWatching stops watching; a pending debounced reload is dropped
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.watcher == nil {
		return nil
	}
	close(rm.stop)
	if rm.timer != nil {
		rm.timer.Stop()
		rm.timer = nil
	}
	err := rm.watcher.Close()
	rm.watcher = nil
	rm.stop = nil

	rm.logger.Debug("Stopped watching configuration file", logger.WithField("path", rm.path))
	return err
}

// IsWatching returns whether the manager is currently watching
func (rm *ReloadManager) IsWatching() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.watcher != nil
}

// TriggerReload reloads immediately, even when the file content is unchanged
func (rm *ReloadManager) TriggerReload() {
	rm.reload(true)
}

func (rm *ReloadManager) watchLoop(watcher *fsnotify.Watcher, stop <-chan struct{}) {
	name := filepath.Base(rm.path)
	for {
		select {
		case <-stop:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			rm.logger.Debug("Configuration file event", logger.WithField("event", event.String()))
			rm.schedule()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Error("Configuration watcher error", logger.WithError(err))
			rm.notify(nil, err)
		}
	}
}

func (rm *ReloadManager) schedule() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.watcher == nil {
		return
	}
	if rm.timer != nil {
		rm.timer.Stop()
	}
	rm.timer = time.AfterFunc(rm.debounce, func() { rm.reload(false) })
}

func (rm *ReloadManager) reload(force bool) {
	data, err := os.ReadFile(rm.path)
	if errors.Is(err, fs.ErrNotExist) {
		// an atomic replace shows up as remove then create; the create reschedules
		rm.notify(nil, fmt.Errorf("configuration file was removed: %s", rm.path))
		return
	}
	if err != nil {
		rm.logger.Error("Failed to read configuration file", logger.WithError(err))
		rm.notify(nil, err)
		return
	}

	rm.mu.Lock()
	if !force && bytes.Equal(data, rm.applied) {
		rm.mu.Unlock()
		rm.logger.Debug("Configuration content unchanged, skipping reload")
		return
	}
	rm.applied = data
	rm.mu.Unlock()

	cfg, err := rm.manager.ParseConfig(data)
	if err != nil {
		rm.logger.Error("Rejected configuration change, keeping the current one", logger.WithError(err))
		rm.notify(nil, err)
		return
	}

	rm.logger.Info("Configuration reloaded",
		logger.WithField("log_level", cfg.Logging.Level),
		logger.WithField("lock_timeout", cfg.Engine.LockTimeout.Std()))
	rm.notify(cfg, nil)
}

// notify runs callbacks on the calling goroutine; a panicking callback does not stop the rest
func (rm *ReloadManager) notify(cfg *types.EngineConfig, err error) {
	rm.mu.RLock()
	callbacks := append([]ReloadCallback(nil), rm.callbacks...)
	rm.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered", logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}()
	}
}
