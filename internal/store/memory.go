package store

import (
	"fmt"
	"time"

	"github.com/buildflow/buildflow/pkg/types"
)

// MemoryStore keeps build trees in process memory
type MemoryStore struct {
	docStore
	mem *memBackend
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	mem := &memBackend{
		builds:   make(map[string]*types.BuildTree),
		archived: make(map[string]*types.BuildTree),
	}
	return &MemoryStore{
		docStore: docStore{backend: mem, now: time.Now},
		mem:      mem,
	}
}

// SetClock overrides the time source used to stamp status changes
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Archived reports whether a build has been moved out of the live set
func (s *MemoryStore) Archived(buildID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mem.archived[buildID]
	return ok
}

type memBackend struct {
	builds   map[string]*types.BuildTree
	archived map[string]*types.BuildTree
}

func (m *memBackend) load(buildID string) (*types.BuildTree, error) {
	tree, ok := m.builds[buildID]
	if !ok {
		return nil, fmt.Errorf("build %s: %w", buildID, ErrNotFound)
	}
	return CloneTree(tree), nil
}

func (m *memBackend) save(tree *types.BuildTree) error {
	m.builds[tree.Build.BuildID] = CloneTree(tree)
	return nil
}

func (m *memBackend) exists(buildID string) (bool, error) {
	_, live := m.builds[buildID]
	_, gone := m.archived[buildID]
	return live || gone, nil
}

func (m *memBackend) archive(buildID string) error {
	tree, ok := m.builds[buildID]
	if !ok {
		return fmt.Errorf("build %s: %w", buildID, ErrNotFound)
	}
	m.archived[buildID] = tree
	delete(m.builds, buildID)
	return nil
}

func (m *memBackend) list() ([]string, error) {
	ids := make([]string, 0, len(m.builds))
	for id := range m.builds {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memBackend) ping() error {
	return nil
}
