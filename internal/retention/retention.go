// Package retention archives builds that finished long enough ago and drops
// their in-memory detail views and log buffers.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/metrics"
)

// Defaults applied to a zero Config
const (
	DefaultSchedule = "@every 1h"
	DefaultKeepFor  = 7 * 24 * time.Hour
	DefaultBatch    = 100
)

// Forgetter drops per-build state kept outside the store
type Forgetter interface {
	Forget(buildID string)
}

// Config controls the sweep
type Config struct {
	Schedule string
	KeepFor  time.Duration
	Batch    int
}

// Sweeper periodically archives finished builds
type Sweeper struct {
	store      interfaces.BuildStore
	forgetters []Forgetter
	config     Config
	logger     logger.Logger
	now        func() time.Time

	cron    *cron.Cron
	running sync.Mutex
}

// NewSweeper creates a sweeper; forgetters are told about every archived build
func NewSweeper(st interfaces.BuildStore, config Config, log logger.Logger, forgetters ...Forgetter) *Sweeper {
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.KeepFor <= 0 {
		config.KeepFor = DefaultKeepFor
	}
	if config.Batch <= 0 {
		config.Batch = DefaultBatch
	}
	return &Sweeper{
		store:      st,
		forgetters: forgetters,
		config:     config,
		logger:     log,
		now:        time.Now,
	}
}

// SetClock overrides the time source used to compute the cutoff
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start schedules the sweep. It fails on an invalid schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("Retention sweep failed", logger.WithError(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.config.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Retention sweeper started",
		logger.WithField("schedule", s.config.Schedule),
		logger.WithField("keep_for", s.config.KeepFor))
	return nil
}

// Stop unschedules the sweep and waits for a running one
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep archives up to one batch of builds that ended before now minus KeepFor.
// Overlapping calls are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.running.TryLock() {
		s.logger.Debug("Retention sweep already running")
		return 0, nil
	}
	defer s.running.Unlock()

	cutoff := s.now().Add(-s.config.KeepFor)
	ids, err := s.store.ListFinishedBuilds(ctx, cutoff, s.config.Batch)
	if err != nil {
		return 0, fmt.Errorf("list finished builds: %w", err)
	}

	archived := 0
	var errs []error
	for _, id := range ids {
		err := s.store.ArchiveBuild(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("archive build %s: %w", id, err))
			continue
		}
		for _, f := range s.forgetters {
			f.Forget(id)
		}
		metrics.IncArchived()
		archived++
	}

	if archived > 0 {
		s.logger.Info("Archived finished builds",
			logger.WithField("count", archived),
			logger.WithField("cutoff", cutoff.Format(time.RFC3339)))
	}
	return archived, errors.Join(errs...)
}
