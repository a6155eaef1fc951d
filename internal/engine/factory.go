package engine

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/buildflow/buildflow/internal/bus"
	"github.com/buildflow/buildflow/internal/bus/asynqbus"
	"github.com/buildflow/buildflow/internal/lock"
	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/internal/store/badgerstore"
	"github.com/buildflow/buildflow/internal/store/sqlstore"
	"github.com/buildflow/buildflow/pkg/buildlog"
	"github.com/buildflow/buildflow/pkg/detail"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// Components are the collaborators of a running worker. Close releases
// whatever the factory opened.
type Components struct {
	Deps     interfaces.EngineDependencies
	Bus      interfaces.Bus
	Detail   *detail.Service
	BuildLog *buildlog.Printer

	closers []func() error
}

// Close stops the bus and closes the store and redis connections, newest first
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// DependencyFactory creates the configured implementations of engine
// dependencies so that constructors never fall back to concrete types.
type DependencyFactory struct {
	config *types.EngineConfig
	logger logger.Logger
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(config *types.EngineConfig, log logger.Logger) *DependencyFactory {
	return &DependencyFactory{config: config, logger: log}
}

// CreateDefaults opens every dependency named by the configuration.
// On error anything already opened is closed again.
func (f *DependencyFactory) CreateDefaults() (*Components, error) {
	return f.CreateWithOverrides(interfaces.EngineDependencies{})
}

// CreateWithOverrides creates dependencies, using non-nil overrides in place of
// configured ones. Overridden dependencies are not closed by Components.Close.
func (f *DependencyFactory) CreateWithOverrides(overrides interfaces.EngineDependencies) (c *Components, err error) {
	c = &Components{}
	defer func() {
		if err != nil {
			_ = c.Close()
			c = nil
		}
	}()

	c.Deps.Store = overrides.Store
	if c.Deps.Store == nil {
		st, err := f.createStore()
		if err != nil {
			return c, err
		}
		c.Deps.Store = st
		c.closers = append(c.closers, st.Close)
	}

	c.Deps.Locker = overrides.Locker
	if c.Deps.Locker == nil {
		c.Deps.Locker = f.createLocker(c)
	}

	c.Bus = f.createBus()
	c.closers = append(c.closers, func() error {
		c.Bus.Stop()
		return nil
	})
	c.Deps.Dispatcher = overrides.Dispatcher
	if c.Deps.Dispatcher == nil {
		c.Deps.Dispatcher = c.Bus
	}

	c.Detail = detail.New(detail.Config{Enabled: true}, f.logger)
	c.Deps.Detail = overrides.Detail
	if c.Deps.Detail == nil {
		c.Deps.Detail = c.Detail
	}

	c.BuildLog = buildlog.NewPrinter(f.logger, 0)
	c.Deps.BuildLog = overrides.BuildLog
	if c.Deps.BuildLog == nil {
		c.Deps.BuildLog = c.BuildLog
	}
	return c, nil
}

// Individual factory methods for each dependency

func (f *DependencyFactory) createStore() (interfaces.BuildStore, error) {
	cfg := f.config.Store
	switch cfg.Driver {
	case types.StoreDriverMemory, "":
		return store.NewMemoryStore(), nil
	case types.StoreDriverFile:
		return store.NewFileStore(cfg.Path, f.logger)
	case types.StoreDriverBadger:
		return badgerstore.Open(badgerstore.Config{
			Path:       cfg.Path,
			SyncWrites: cfg.SyncWrites,
		}, f.logger)
	case types.StoreDriverMySQL:
		return sqlstore.Open(sqlstore.DriverMySQL, cfg.DSN, f.logger)
	case types.StoreDriverSQLite:
		return sqlstore.Open(sqlstore.DriverSQLite, cfg.DSN, f.logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (f *DependencyFactory) createLocker(c *Components) interfaces.Locker {
	cfg := f.config.Lock
	if cfg.Driver != types.LockDriverRedis {
		return lock.NewLocalLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.Password,
	})
	c.closers = append(c.closers, client.Close)
	return lock.NewRedisLocker(client, lock.RedisOptions{
		KeyPrefix: cfg.KeyPrefix,
		TTL:       cfg.TTL.Std(),
	}, f.logger)
}

func (f *DependencyFactory) createBus() interfaces.Bus {
	eng := f.config.Engine
	if f.config.Bus.Driver == types.BusDriverAsynq {
		return asynqbus.New(asynqbus.Options{
			RedisAddr:       f.config.Bus.RedisAddr,
			RedisDB:         f.config.Bus.RedisDB,
			Password:        f.config.Bus.Password,
			Queue:           f.config.Bus.Queue,
			Concurrency:     eng.Workers,
			MaxRedeliveries: eng.MaxRedeliveries,
			Backoff:         eng.RedeliveryBackoff.Std(),
		}, f.logger)
	}
	return bus.NewMemoryBus(bus.Options{
		Workers:         eng.Workers,
		MaxRedeliveries: eng.MaxRedeliveries,
		Backoff:         eng.RedeliveryBackoff.Std(),
		RedeliveryRate:  eng.RedeliveryRate,
	}, f.logger)
}
