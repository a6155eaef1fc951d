// Package mocks provides test doubles for the engine's collaborators.
// The gomock mocks are generated; the fakes below are written by hand.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/types"
)

//go:generate mockgen -destination=interfaces_mock.go -package=mocks github.com/buildflow/buildflow/pkg/interfaces DetailService,BuildLogPrinter

// MockDispatcher records dispatched events
type MockDispatcher struct {
	mu       sync.Mutex
	events   []types.Event
	errQueue []error
}

// NewMockDispatcher creates a new mock dispatcher
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{}
}

// FailNext makes the next Dispatch calls fail with the given errors, in order
func (m *MockDispatcher) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errQueue = append(m.errQueue, errs...)
}

// Dispatch records events
func (m *MockDispatcher) Dispatch(_ context.Context, events ...types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errQueue) > 0 {
		err := m.errQueue[0]
		m.errQueue = m.errQueue[1:]
		return err
	}
	m.events = append(m.events, events...)
	return nil
}

// Events returns the recorded events
func (m *MockDispatcher) Events() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.events...)
}

// ContainerEvents returns the recorded container events
func (m *MockDispatcher) ContainerEvents() []types.ContainerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ContainerEvent
	for _, ev := range m.events {
		if ce, ok := ev.(types.ContainerEvent); ok {
			out = append(out, ce)
		}
	}
	return out
}

// Reset drops recorded events
func (m *MockDispatcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// TrackingLocker wraps a Locker and counts holders per build
type TrackingLocker struct {
	inner interfaces.Locker

	mu         sync.Mutex
	holders    map[string]int
	violations []string
}

// NewTrackingLocker wraps inner
func NewTrackingLocker(inner interfaces.Locker) *TrackingLocker {
	return &TrackingLocker{inner: inner, holders: make(map[string]int)}
}

// Acquire implements interfaces.Locker
func (t *TrackingLocker) Acquire(ctx context.Context, buildID string, timeout time.Duration) (interfaces.Lock, error) {
	l, err := t.inner.Acquire(ctx, buildID, timeout)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.holders[buildID]++
	if t.holders[buildID] > 1 {
		t.violations = append(t.violations, fmt.Sprintf("build %s held %d times", buildID, t.holders[buildID]))
	}
	t.mu.Unlock()
	return &trackedLock{Lock: l, tracker: t, buildID: buildID}, nil
}

// Held reports whether buildID is currently held
func (t *TrackingLocker) Held(buildID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holders[buildID] > 0
}

// Violations returns every observed exclusivity breach
func (t *TrackingLocker) Violations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.violations...)
}

func (t *TrackingLocker) record(violation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.violations = append(t.violations, violation)
}

type trackedLock struct {
	interfaces.Lock
	tracker *TrackingLocker
	buildID string
}

func (l *trackedLock) Release(ctx context.Context) error {
	l.tracker.mu.Lock()
	l.tracker.holders[l.buildID]--
	l.tracker.mu.Unlock()
	return l.Lock.Release(ctx)
}

// ExclusiveStore wraps a BuildStore and records a violation for every write
// made while the build's lock is not held
type ExclusiveStore struct {
	interfaces.BuildStore
	locks *TrackingLocker
}

// NewExclusiveStore wraps inner, checking writes against locks
func NewExclusiveStore(inner interfaces.BuildStore, locks *TrackingLocker) *ExclusiveStore {
	return &ExclusiveStore{BuildStore: inner, locks: locks}
}

func (s *ExclusiveStore) check(op, buildID string) {
	if !s.locks.Held(buildID) {
		s.locks.record(fmt.Sprintf("%s on build %s without lock", op, buildID))
	}
}

// UpdateTaskStatus implements interfaces.BuildStore
func (s *ExclusiveStore) UpdateTaskStatus(ctx context.Context, buildID, taskID string, from, to types.BuildStatus) error {
	s.check("UpdateTaskStatus", buildID)
	return s.BuildStore.UpdateTaskStatus(ctx, buildID, taskID, from, to)
}

// UpdateTaskParams implements interfaces.BuildStore
func (s *ExclusiveStore) UpdateTaskParams(ctx context.Context, buildID, taskID, params string) error {
	s.check("UpdateTaskParams", buildID)
	return s.BuildStore.UpdateTaskParams(ctx, buildID, taskID, params)
}

// UpdateContainerStatus implements interfaces.BuildStore
func (s *ExclusiveStore) UpdateContainerStatus(ctx context.Context, buildID, containerID string, from, to types.BuildStatus) error {
	s.check("UpdateContainerStatus", buildID)
	return s.BuildStore.UpdateContainerStatus(ctx, buildID, containerID, from, to)
}

// UpdateStageStatus implements interfaces.BuildStore
func (s *ExclusiveStore) UpdateStageStatus(ctx context.Context, buildID, stageID string, from, to types.BuildStatus) error {
	s.check("UpdateStageStatus", buildID)
	return s.BuildStore.UpdateStageStatus(ctx, buildID, stageID, from, to)
}

// UpdateBuildStatus implements interfaces.BuildStore
func (s *ExclusiveStore) UpdateBuildStatus(ctx context.Context, buildID string, from, to types.BuildStatus) error {
	s.check("UpdateBuildStatus", buildID)
	return s.BuildStore.UpdateBuildStatus(ctx, buildID, from, to)
}

// UpdateBuildCancelUser implements interfaces.BuildStore
func (s *ExclusiveStore) UpdateBuildCancelUser(ctx context.Context, buildID, userID string) error {
	s.check("UpdateBuildCancelUser", buildID)
	return s.BuildStore.UpdateBuildCancelUser(ctx, buildID, userID)
}

// SavePauseValue implements interfaces.BuildStore
func (s *ExclusiveStore) SavePauseValue(ctx context.Context, value *types.PauseValue) error {
	s.check("SavePauseValue", value.BuildID)
	return s.BuildStore.SavePauseValue(ctx, value)
}

// ApplyPauseValue implements interfaces.BuildStore
func (s *ExclusiveStore) ApplyPauseValue(ctx context.Context, buildID, taskID, params string, executeCount int) error {
	s.check("ApplyPauseValue", buildID)
	return s.BuildStore.ApplyPauseValue(ctx, buildID, taskID, params, executeCount)
}

// FaultyStore wraps a BuildStore and fails or panics on chosen methods
type FaultyStore struct {
	interfaces.BuildStore

	mu     sync.Mutex
	errs   map[string]error
	panics map[string]interface{}
	writes int
}

// NewFaultyStore wraps inner
func NewFaultyStore(inner interfaces.BuildStore) *FaultyStore {
	return &FaultyStore{
		BuildStore: inner,
		errs:       make(map[string]error),
		panics:     make(map[string]interface{}),
	}
}

// FailOn makes every call to method return err until cleared with a nil err
func (f *FaultyStore) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, method)
		return
	}
	f.errs[method] = err
}

// PanicOn makes every call to method panic with value
func (f *FaultyStore) PanicOn(method string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics[method] = value
}

// Writes returns how many write calls reached the inner store
func (f *FaultyStore) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *FaultyStore) fault(method string, write bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.panics[method]; ok {
		panic(v)
	}
	if err, ok := f.errs[method]; ok {
		return err
	}
	if write {
		f.writes++
	}
	return nil
}

// GetTask implements interfaces.BuildStore
func (f *FaultyStore) GetTask(ctx context.Context, buildID, taskID string) (*types.Task, error) {
	if err := f.fault("GetTask", false); err != nil {
		return nil, err
	}
	return f.BuildStore.GetTask(ctx, buildID, taskID)
}

// GetPauseValue implements interfaces.BuildStore
func (f *FaultyStore) GetPauseValue(ctx context.Context, buildID, taskID string) (*types.PauseValue, error) {
	if err := f.fault("GetPauseValue", false); err != nil {
		return nil, err
	}
	return f.BuildStore.GetPauseValue(ctx, buildID, taskID)
}

// UpdateTaskStatus implements interfaces.BuildStore
func (f *FaultyStore) UpdateTaskStatus(ctx context.Context, buildID, taskID string, from, to types.BuildStatus) error {
	if err := f.fault("UpdateTaskStatus", true); err != nil {
		return err
	}
	return f.BuildStore.UpdateTaskStatus(ctx, buildID, taskID, from, to)
}

// UpdateContainerStatus implements interfaces.BuildStore
func (f *FaultyStore) UpdateContainerStatus(ctx context.Context, buildID, containerID string, from, to types.BuildStatus) error {
	if err := f.fault("UpdateContainerStatus", true); err != nil {
		return err
	}
	return f.BuildStore.UpdateContainerStatus(ctx, buildID, containerID, from, to)
}

// UpdateStageStatus implements interfaces.BuildStore
func (f *FaultyStore) UpdateStageStatus(ctx context.Context, buildID, stageID string, from, to types.BuildStatus) error {
	if err := f.fault("UpdateStageStatus", true); err != nil {
		return err
	}
	return f.BuildStore.UpdateStageStatus(ctx, buildID, stageID, from, to)
}

// UpdateBuildStatus implements interfaces.BuildStore
func (f *FaultyStore) UpdateBuildStatus(ctx context.Context, buildID string, from, to types.BuildStatus) error {
	if err := f.fault("UpdateBuildStatus", true); err != nil {
		return err
	}
	return f.BuildStore.UpdateBuildStatus(ctx, buildID, from, to)
}

// UpdateBuildCancelUser implements interfaces.BuildStore
func (f *FaultyStore) UpdateBuildCancelUser(ctx context.Context, buildID, userID string) error {
	if err := f.fault("UpdateBuildCancelUser", true); err != nil {
		return err
	}
	return f.BuildStore.UpdateBuildCancelUser(ctx, buildID, userID)
}

// ApplyPauseValue implements interfaces.BuildStore
func (f *FaultyStore) ApplyPauseValue(ctx context.Context, buildID, taskID, params string, executeCount int) error {
	if err := f.fault("ApplyPauseValue", true); err != nil {
		return err
	}
	return f.BuildStore.ApplyPauseValue(ctx, buildID, taskID, params, executeCount)
}

// Ping implements interfaces.BuildStore
func (f *FaultyStore) Ping(ctx context.Context) error {
	if err := f.fault("Ping", false); err != nil {
		return err
	}
	return f.BuildStore.Ping(ctx)
}

// ArchiveBuild implements interfaces.BuildStore
func (f *FaultyStore) ArchiveBuild(ctx context.Context, buildID string) error {
	if err := f.fault("ArchiveBuild", true); err != nil {
		return err
	}
	return f.BuildStore.ArchiveBuild(ctx, buildID)
}
