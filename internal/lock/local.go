// Package lock provides per-build mutual exclusion for event handlers
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buildflow/buildflow/pkg/interfaces"
)

var (
	// ErrTimeout indicates the lock could not be acquired within the wait bound
	ErrTimeout = errors.New("lock wait timed out")

	// ErrNotHeld indicates a release of a lock that is no longer owned
	ErrNotHeld = errors.New("lock not held")
)

// LocalLocker serializes builds within one process
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ interfaces.Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

// Acquire waits up to timeout for the build's lock
func (l *LocalLocker) Acquire(ctx context.Context, buildID string, timeout time.Duration) (interfaces.Lock, error) {
	s := l.ref(buildID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return &localLock{locker: l, buildID: buildID, slot: s}, nil
	case <-timer.C:
		l.unref(buildID)
		return nil, fmt.Errorf("build %s: %w", buildID, ErrTimeout)
	case <-ctx.Done():
		l.unref(buildID)
		return nil, ctx.Err()
	}
}

// Held reports how many builds currently have holders or waiters
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *LocalLocker) ref(buildID string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[buildID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[buildID] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(buildID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[buildID]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(l.slots, buildID)
	}
}

type localLock struct {
	once    sync.Once
	locker  *LocalLocker
	buildID string
	slot    *slot
}

func (ll *localLock) Release(_ context.Context) error {
	err := fmt.Errorf("build %s: %w", ll.buildID, ErrNotHeld)
	ll.once.Do(func() {
		<-ll.slot.ch
		ll.locker.unref(ll.buildID)
		err = nil
	})
	return err
}
