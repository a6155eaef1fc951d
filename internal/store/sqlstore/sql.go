// Package sqlstore keeps build documents in a SQL database through gorm.
// Each build is one row holding the encoded tree plus the columns retention
// queries filter on. Writes are optimistic: a row is rewritten only when its
// version still matches the one that was read.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// maxWriteRetries bounds retries of a write that lost the version race
const maxWriteRetries = 10

// Supported drivers
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// buildRow is one build document
type buildRow struct {
	BuildID   string     `gorm:"primaryKey;type:varchar(64)"`
	Status    string     `gorm:"type:varchar(16);not null;index"`
	EndTime   *time.Time `gorm:"index"`
	Archived  bool       `gorm:"not null;default:false;index"`
	Version   int64      `gorm:"not null"`
	Document  string     `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (buildRow) TableName() string {
	return "bf_builds"
}

// Store implements interfaces.BuildStore on gorm
type Store struct {
	db     *gorm.DB
	logger logger.Logger
	now    func() time.Time
}

var _ interfaces.BuildStore = (*Store)(nil)

// Open connects with the named driver and migrates the schema
func Open(driver, dsn string, log logger.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite allows one writer; a single connection keeps writers queued in Go
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, log)
}

// New wraps an existing connection and migrates the schema
func New(db *gorm.DB, log logger.Logger) (*Store, error) {
	if err := db.AutoMigrate(&buildRow{}); err != nil {
		return nil, fmt.Errorf("migrate build table: %w", err)
	}
	return &Store{db: db, logger: log, now: time.Now}, nil
}

// SetClock overrides the time source used for status timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// unavailable maps database failures that are not store sentinels to store.ErrUnavailable
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{store.ErrNotFound, store.ErrConflict, store.ErrExists, store.ErrInvalidTree} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func (s *Store) load(ctx context.Context, buildID string) (*buildRow, *types.BuildTree, error) {
	var row buildRow
	err := s.db.WithContext(ctx).
		Where("build_id = ? AND archived = ?", buildID, false).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("build %s: %w", buildID, store.ErrNotFound)
	}
	if err != nil {
		return nil, nil, unavailable(err)
	}

	var tree types.BuildTree
	if err := json.Unmarshal([]byte(row.Document), &tree); err != nil {
		return nil, nil, fmt.Errorf("decode build %s: %w", buildID, err)
	}
	return &row, &tree, nil
}

func endTime(build *types.Build) *time.Time {
	if build.EndTime.IsZero() {
		return nil
	}
	end := build.EndTime
	return &end
}

func (s *Store) view(ctx context.Context, buildID string, fn func(*types.BuildTree) error) error {
	_, tree, err := s.load(ctx, buildID)
	if err != nil {
		return err
	}
	return fn(tree)
}

// update runs a read-modify-write guarded by the row version, retrying when
// another writer got there first
func (s *Store) update(ctx context.Context, buildID string, fn func(*types.BuildTree) error) error {
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		row, tree, err := s.load(ctx, buildID)
		if err != nil {
			return err
		}
		if err := fn(tree); err != nil {
			return err
		}
		doc, err := json.Marshal(tree)
		if err != nil {
			return fmt.Errorf("encode build %s: %w", buildID, err)
		}

		res := s.db.WithContext(ctx).Model(&buildRow{}).
			Where("build_id = ? AND version = ? AND archived = ?", buildID, row.Version, false).
			Updates(map[string]interface{}{
				"status":   string(tree.Build.Status),
				"end_time": endTime(&tree.Build),
				"document": string(doc),
				"version":  gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return unavailable(res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
		s.logger.Debug("Build row changed underneath, retrying",
			logger.WithField("build", buildID),
			logger.WithField("attempt", attempt+1))
	}
	return fmt.Errorf("%w: build %s kept changing during update", store.ErrUnavailable, buildID)
}

// GetBuild implements interfaces.BuildStore
func (s *Store) GetBuild(ctx context.Context, buildID string) (*types.Build, error) {
	_, tree, err := s.load(ctx, buildID)
	if err != nil {
		return nil, err
	}
	return &tree.Build, nil
}

// GetBuildTree implements interfaces.BuildStore
func (s *Store) GetBuildTree(ctx context.Context, buildID string) (*types.BuildTree, error) {
	_, tree, err := s.load(ctx, buildID)
	return tree, err
}

// GetTask implements interfaces.BuildStore
func (s *Store) GetTask(ctx context.Context, buildID, taskID string) (*types.Task, error) {
	var task *types.Task
	err := s.view(ctx, buildID, func(tree *types.BuildTree) (err error) {
		task, err = store.TaskOf(tree, taskID)
		return err
	})
	return task, err
}

// GetAllTasks implements interfaces.BuildStore
func (s *Store) GetAllTasks(ctx context.Context, buildID, stageID, containerID string) ([]types.Task, error) {
	var tasks []types.Task
	err := s.view(ctx, buildID, func(tree *types.BuildTree) (err error) {
		tasks, err = store.ContainerTasks(tree, stageID, containerID)
		return err
	})
	return tasks, err
}

// ListStages implements interfaces.BuildStore
func (s *Store) ListStages(ctx context.Context, buildID string) ([]types.Stage, error) {
	var stages []types.Stage
	err := s.view(ctx, buildID, func(tree *types.BuildTree) error {
		stages = tree.Stages
		return nil
	})
	return stages, err
}

// ListContainers implements interfaces.BuildStore
func (s *Store) ListContainers(ctx context.Context, buildID, stageID string) ([]types.Container, error) {
	var containers []types.Container
	err := s.view(ctx, buildID, func(tree *types.BuildTree) (err error) {
		containers, err = store.StageContainers(tree, stageID)
		return err
	})
	return containers, err
}

// GetContainer implements interfaces.BuildStore
func (s *Store) GetContainer(ctx context.Context, buildID, stageID, containerID string) (*types.Container, error) {
	var container *types.Container
	err := s.view(ctx, buildID, func(tree *types.BuildTree) (err error) {
		container, err = store.ContainerOf(tree, stageID, containerID)
		return err
	})
	return container, err
}

// UpdateTaskStatus implements interfaces.BuildStore
func (s *Store) UpdateTaskStatus(ctx context.Context, buildID, taskID string, from, to types.BuildStatus) error {
	return s.update(ctx, buildID, func(tree *types.BuildTree) error {
		return store.SetTaskStatus(tree, taskID, from, to, s.now())
	})
}

// UpdateTaskParams implements interfaces.BuildStore
func (s *Store) UpdateTaskParams(ctx context.Context, buildID, taskID, params string) error {
	return s.update(ctx, buildID, func(tree *types.BuildTree) error {
		return store.SetTaskParams(tree, taskID, params)
	})
}

// UpdateContainerStatus implements interfaces.BuildStore
func (s *Store) UpdateContainerStatus(ctx context.Context, buildID, containerID string, from, to types.BuildStatus) error {
	return s.update(ctx, buildID, func(tree *types.BuildTree) error {
		return store.SetContainerStatus(tree, containerID, from, to, s.now())
	})
}

// UpdateStageStatus implements interfaces.BuildStore
func (s *Store) UpdateStageStatus(ctx context.Context, buildID, stageID string, from, to types.BuildStatus) error {
	return s.update(ctx, buildID, func(tree *types.BuildTree) error {
		return store.SetStageStatus(tree, stageID, from, to, s.now())
	})
}

// UpdateBuildStatus implements interfaces.BuildStore
func (s *Store) UpdateBuildStatus(ctx context.Context, buildID string, from, to types.BuildStatus) error {
	return s.update(ctx, buildID, func(tree *types.BuildTree) error {
		return store.SetBuildStatus(tree, from, to, s.now())
	})
}

// UpdateBuildCancelUser implements interfaces.BuildStore
func (s *Store) UpdateBuildCancelUser(ctx context.Context, buildID, userID string) error {
	return s.update(ctx, buildID, func(tree *types.BuildTree) error {
		store.SetCancelUser(tree, userID)
		return nil
	})
}

// GetPauseValue implements interfaces.BuildStore
func (s *Store) GetPauseValue(ctx context.Context, buildID, taskID string) (*types.PauseValue, error) {
	var pv *types.PauseValue
	err := s.view(ctx, buildID, func(tree *types.BuildTree) (err error) {
		pv, err = store.PauseValueOf(tree, taskID)
		return err
	})
	return pv, err
}

// SavePauseValue implements interfaces.BuildStore
func (s *Store) SavePauseValue(ctx context.Context, value *types.PauseValue) error {
	return s.update(ctx, value.BuildID, func(tree *types.BuildTree) error {
		pv := *value
		if pv.CreateTime.IsZero() {
			pv.CreateTime = s.now()
		}
		return store.PutPauseValue(tree, pv)
	})
}

// ApplyPauseValue implements interfaces.BuildStore. The version guard makes
// the consumed flag and the params land together or not at all.
func (s *Store) ApplyPauseValue(ctx context.Context, buildID, taskID, params string, executeCount int) error {
	return s.update(ctx, buildID, func(tree *types.BuildTree) error {
		return store.ApplyPause(tree, taskID, params, executeCount)
	})
}

// CreateBuild implements interfaces.BuildStore. Archived builds keep their id reserved.
func (s *Store) CreateBuild(ctx context.Context, tree *types.BuildTree) error {
	doc := store.CloneTree(tree)
	if err := store.ValidateTree(doc); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode build %s: %w", doc.Build.BuildID, err)
	}

	return unavailable(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&buildRow{}).Where("build_id = ?", doc.Build.BuildID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("build %s: %w", doc.Build.BuildID, store.ErrExists)
		}
		return tx.Create(&buildRow{
			BuildID:  doc.Build.BuildID,
			Status:   string(doc.Build.Status),
			EndTime:  endTime(&doc.Build),
			Version:  1,
			Document: string(data),
		}).Error
	}))
}

// ListFinishedBuilds implements interfaces.BuildStore
func (s *Store) ListFinishedBuilds(ctx context.Context, endedBefore time.Time, limit int) ([]string, error) {
	var rows []buildRow
	q := s.db.WithContext(ctx).
		Select("build_id", "status", "end_time").
		Where("archived = ? AND end_time IS NOT NULL AND end_time < ?", false, endedBefore).
		Order("end_time ASC")
	if err := q.Find(&rows).Error; err != nil {
		return nil, unavailable(err)
	}

	var ids []string
	for _, row := range rows {
		if !types.BuildStatus(row.Status).IsFinish() {
			continue
		}
		ids = append(ids, row.BuildID)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

// ArchiveBuild flags the row archived; archived rows are invisible to reads
func (s *Store) ArchiveBuild(ctx context.Context, buildID string) error {
	res := s.db.WithContext(ctx).Model(&buildRow{}).
		Where("build_id = ? AND archived = ?", buildID, false).
		Update("archived", true)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("build %s: %w", buildID, store.ErrNotFound)
	}
	return nil
}

// Ping implements interfaces.BuildStore
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unavailable(err)
	}
	return unavailable(sqlDB.PingContext(ctx))
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
