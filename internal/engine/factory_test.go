package engine_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow/buildflow/internal/bus"
	"github.com/buildflow/buildflow/internal/bus/asynqbus"
	"github.com/buildflow/buildflow/internal/engine"
	"github.com/buildflow/buildflow/internal/lock"
	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/internal/store/badgerstore"
	"github.com/buildflow/buildflow/internal/store/sqlstore"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/mocks"
	"github.com/buildflow/buildflow/pkg/types"
)

func factoryConfig(storeCfg types.StoreConfig) *types.EngineConfig {
	return &types.EngineConfig{
		Version: "1.0",
		Engine:  types.EngineSettings{Workers: 2},
		Store:   storeCfg,
		Bus:     types.BusConfig{Driver: types.BusDriverMemory},
		Lock:    types.LockConfig{Driver: types.LockDriverLocal},
	}
}

func TestFactoryCreateDefaults(t *testing.T) {
	f := engine.NewDependencyFactory(factoryConfig(types.StoreConfig{Driver: types.StoreDriverMemory}), logger.NewNopLogger())

	c, err := f.CreateDefaults()
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &store.MemoryStore{}, c.Deps.Store)
	assert.IsType(t, &lock.LocalLocker{}, c.Deps.Locker)
	assert.IsType(t, &bus.MemoryBus{}, c.Bus)
	assert.Same(t, c.Bus, c.Deps.Dispatcher)
	assert.Same(t, c.Detail, c.Deps.Detail)
	assert.Same(t, c.BuildLog, c.Deps.BuildLog)

	// the components are enough to run an engine
	e := engine.New(c.Deps, logger.NewNopLogger())
	e.Register(c.Bus)
}

func TestFactoryStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		cfg  types.StoreConfig
		want interfaces.BuildStore
	}{
		{"file", types.StoreConfig{Driver: types.StoreDriverFile, Path: filepath.Join(dir, "file")}, &store.FileStore{}},
		{"badger", types.StoreConfig{Driver: types.StoreDriverBadger, Path: filepath.Join(dir, "badger")}, &badgerstore.Store{}},
		{"sqlite", types.StoreConfig{
			Driver: types.StoreDriverSQLite,
			DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		}, &sqlstore.Store{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := engine.NewDependencyFactory(factoryConfig(tt.cfg), logger.NewNopLogger()).CreateDefaults()
			require.NoError(t, err)
			defer c.Close()

			assert.IsType(t, tt.want, c.Deps.Store)
			require.NoError(t, c.Deps.Store.CreateBuild(context.Background(), sampleTree("b1", false)))
			require.NoError(t, c.Deps.Store.Ping(context.Background()))
		})
	}
}

func TestFactoryUnknownStore(t *testing.T) {
	f := engine.NewDependencyFactory(factoryConfig(types.StoreConfig{Driver: "etcd"}), logger.NewNopLogger())
	c, err := f.CreateDefaults()
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestFactoryAsynqBus(t *testing.T) {
	cfg := factoryConfig(types.StoreConfig{Driver: types.StoreDriverMemory})
	cfg.Bus = types.BusConfig{Driver: types.BusDriverAsynq, RedisAddr: "127.0.0.1:6379"}

	c, err := engine.NewDependencyFactory(cfg, logger.NewNopLogger()).CreateDefaults()
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &asynqbus.Bus{}, c.Bus)
}

func TestFactoryOverrides(t *testing.T) {
	st := store.NewMemoryStore()
	dispatcher := mocks.NewMockDispatcher()

	f := engine.NewDependencyFactory(factoryConfig(types.StoreConfig{Driver: types.StoreDriverMemory}), logger.NewNopLogger())
	c, err := f.CreateWithOverrides(interfaces.EngineDependencies{Store: st, Dispatcher: dispatcher})
	require.NoError(t, err)

	assert.Same(t, st, c.Deps.Store)
	assert.Same(t, dispatcher, c.Deps.Dispatcher)
	assert.IsType(t, &bus.MemoryBus{}, c.Bus)

	require.NoError(t, c.Close())
	assert.NoError(t, st.Ping(context.Background()), "an overridden store stays open")
}
