// Package badgerstore keeps build documents in an embedded badger database.
// Each mutation is one badger transaction, retried when badger reports a
// write conflict, so compare-and-swap semantics hold across goroutines.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

const (
	buildPrefix   = "build/"
	archivePrefix = "archive/"

	// maxTxnRetries bounds retries of a transaction that lost a write conflict
	maxTxnRetries = 10
)

// Config configures the database
type Config struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval enables periodic value log GC; zero disables it
	GCInterval time.Duration
}

// Store implements interfaces.BuildStore on badger
type Store struct {
	db     *badger.DB
	logger logger.Logger
	now    func() time.Time

	gcStop chan struct{}
	gcDone chan struct{}
}

var _ interfaces.BuildStore = (*Store)(nil)

// Open opens or creates the database
func Open(cfg Config, log logger.Logger) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger store path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: log, now: time.Now}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// SetClock overrides the time source used for status timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func buildKey(buildID string) []byte {
	return []byte(buildPrefix + buildID)
}

func archiveKey(buildID string) []byte {
	return []byte(archivePrefix + buildID)
}

func read(txn *badger.Txn, buildID string) (*types.BuildTree, error) {
	item, err := txn.Get(buildKey(buildID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("build %s: %w", buildID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	var tree types.BuildTree
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &tree)
	})
	if err != nil {
		return nil, fmt.Errorf("decode build %s: %w", buildID, err)
	}
	return &tree, nil
}

func write(txn *badger.Txn, tree *types.BuildTree) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode build %s: %w", tree.Build.BuildID, err)
	}
	return txn.Set(buildKey(tree.Build.BuildID), data)
}

// unavailable maps badger infrastructure failures to store.ErrUnavailable
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func (s *Store) view(buildID string, fn func(*types.BuildTree) error) error {
	return unavailable(s.db.View(func(txn *badger.Txn) error {
		tree, err := read(txn, buildID)
		if err != nil {
			return err
		}
		return fn(tree)
	}))
}

// update runs a read-modify-write in a transaction, retrying on write conflicts
func (s *Store) update(buildID string, fn func(*types.BuildTree) error) error {
	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			tree, err := read(txn, buildID)
			if err != nil {
				return err
			}
			if err := fn(tree); err != nil {
				return err
			}
			return write(txn, tree)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return unavailable(err)
		}
		s.logger.Debug("Badger write conflict, retrying",
			logger.WithField("build", buildID),
			logger.WithField("attempt", attempt+1))
	}
	return unavailable(err)
}

// GetBuild implements interfaces.BuildStore
func (s *Store) GetBuild(_ context.Context, buildID string) (*types.Build, error) {
	var build types.Build
	err := s.view(buildID, func(tree *types.BuildTree) error {
		build = tree.Build
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &build, nil
}

// GetBuildTree implements interfaces.BuildStore
func (s *Store) GetBuildTree(_ context.Context, buildID string) (*types.BuildTree, error) {
	var out *types.BuildTree
	err := s.view(buildID, func(tree *types.BuildTree) error {
		out = tree
		return nil
	})
	return out, err
}

// GetTask implements interfaces.BuildStore
func (s *Store) GetTask(_ context.Context, buildID, taskID string) (*types.Task, error) {
	var task *types.Task
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		task, err = store.TaskOf(tree, taskID)
		return err
	})
	return task, err
}

// GetAllTasks implements interfaces.BuildStore
func (s *Store) GetAllTasks(_ context.Context, buildID, stageID, containerID string) ([]types.Task, error) {
	var tasks []types.Task
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		tasks, err = store.ContainerTasks(tree, stageID, containerID)
		return err
	})
	return tasks, err
}

// ListStages implements interfaces.BuildStore
func (s *Store) ListStages(_ context.Context, buildID string) ([]types.Stage, error) {
	var stages []types.Stage
	err := s.view(buildID, func(tree *types.BuildTree) error {
		stages = tree.Stages
		return nil
	})
	return stages, err
}

// ListContainers implements interfaces.BuildStore
func (s *Store) ListContainers(_ context.Context, buildID, stageID string) ([]types.Container, error) {
	var containers []types.Container
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		containers, err = store.StageContainers(tree, stageID)
		return err
	})
	return containers, err
}

// GetContainer implements interfaces.BuildStore
func (s *Store) GetContainer(_ context.Context, buildID, stageID, containerID string) (*types.Container, error) {
	var container *types.Container
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		container, err = store.ContainerOf(tree, stageID, containerID)
		return err
	})
	return container, err
}

// UpdateTaskStatus implements interfaces.BuildStore
func (s *Store) UpdateTaskStatus(_ context.Context, buildID, taskID string, from, to types.BuildStatus) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return store.SetTaskStatus(tree, taskID, from, to, s.now())
	})
}

// UpdateTaskParams implements interfaces.BuildStore
func (s *Store) UpdateTaskParams(_ context.Context, buildID, taskID, params string) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return store.SetTaskParams(tree, taskID, params)
	})
}

// UpdateContainerStatus implements interfaces.BuildStore
func (s *Store) UpdateContainerStatus(_ context.Context, buildID, containerID string, from, to types.BuildStatus) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return store.SetContainerStatus(tree, containerID, from, to, s.now())
	})
}

// UpdateStageStatus implements interfaces.BuildStore
func (s *Store) UpdateStageStatus(_ context.Context, buildID, stageID string, from, to types.BuildStatus) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return store.SetStageStatus(tree, stageID, from, to, s.now())
	})
}

// UpdateBuildStatus implements interfaces.BuildStore
func (s *Store) UpdateBuildStatus(_ context.Context, buildID string, from, to types.BuildStatus) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return store.SetBuildStatus(tree, from, to, s.now())
	})
}

// UpdateBuildCancelUser implements interfaces.BuildStore
func (s *Store) UpdateBuildCancelUser(_ context.Context, buildID, userID string) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		store.SetCancelUser(tree, userID)
		return nil
	})
}

// GetPauseValue implements interfaces.BuildStore
func (s *Store) GetPauseValue(_ context.Context, buildID, taskID string) (*types.PauseValue, error) {
	var pv *types.PauseValue
	err := s.view(buildID, func(tree *types.BuildTree) (err error) {
		pv, err = store.PauseValueOf(tree, taskID)
		return err
	})
	return pv, err
}

// SavePauseValue implements interfaces.BuildStore
func (s *Store) SavePauseValue(_ context.Context, value *types.PauseValue) error {
	return s.update(value.BuildID, func(tree *types.BuildTree) error {
		pv := *value
		if pv.CreateTime.IsZero() {
			pv.CreateTime = s.now()
		}
		return store.PutPauseValue(tree, pv)
	})
}

// ApplyPauseValue implements interfaces.BuildStore
func (s *Store) ApplyPauseValue(_ context.Context, buildID, taskID, params string, executeCount int) error {
	return s.update(buildID, func(tree *types.BuildTree) error {
		return store.ApplyPause(tree, taskID, params, executeCount)
	})
}

// CreateBuild implements interfaces.BuildStore
func (s *Store) CreateBuild(_ context.Context, tree *types.BuildTree) error {
	doc := store.CloneTree(tree)
	if err := store.ValidateTree(doc); err != nil {
		return err
	}
	id := doc.Build.BuildID

	return unavailable(s.db.Update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{buildKey(id), archiveKey(id)} {
			_, err := txn.Get(key)
			if err == nil {
				return fmt.Errorf("build %s: %w", id, store.ErrExists)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
			}
		}
		return write(txn, doc)
	}))
}

// ListFinishedBuilds implements interfaces.BuildStore
func (s *Store) ListFinishedBuilds(_ context.Context, endedBefore time.Time, limit int) ([]string, error) {
	type finished struct {
		id  string
		end time.Time
	}
	var candidates []finished

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(buildPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var tree types.BuildTree
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &tree)
			})
			if err != nil {
				s.logger.Warn("Skipping undecodable build document",
					logger.WithField("key", string(it.Item().Key())),
					logger.WithError(err))
				continue
			}
			if store.FinishedBefore(&tree.Build, endedBefore) {
				candidates = append(candidates, finished{id: tree.Build.BuildID, end: tree.Build.EndTime})
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].end.Before(candidates[j].end) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.id)
	}
	return out, nil
}

// ArchiveBuild moves a build document under the archive prefix
func (s *Store) ArchiveBuild(_ context.Context, buildID string) error {
	return unavailable(s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(buildKey(buildID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("build %s: %w", buildID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set(archiveKey(buildID), data); err != nil {
			return err
		}
		return txn.Delete(buildKey(buildID))
	}))
}

// Ping implements interfaces.BuildStore
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger database closed", store.ErrUnavailable)
	}
	return nil
}

// Close stops GC and closes the database
func (s *Store) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("Badger value log GC failed", logger.WithError(err))
			}
		}
	}
}

// badgerLogger routes badger's internal logging through the process logger
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
