package cli

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildflow/buildflow/internal/engine"
	"github.com/buildflow/buildflow/internal/retention"
	"github.com/buildflow/buildflow/internal/server"
	"github.com/buildflow/buildflow/pkg/config"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/process"
	"github.com/buildflow/buildflow/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func (c *CLI) newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume lifecycle events until interrupted",
		Long: `Run the engine: subscribe its handlers on the configured bus, and optionally
archive old builds and serve health and metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWorker(cmd.Context())
		},
	}
}

func (c *CLI) runWorker(ctx context.Context) error {
	cfg, err := c.loadEngineConfig()
	if err != nil {
		return err
	}

	log := logger.CreateLogger(logger.Options{
		Level:      string(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	comps, err := engine.NewDependencyFactory(cfg, log).CreateDefaults()
	if err != nil {
		return err
	}

	eng := engine.New(comps.Deps, log, engine.WithLockTimeout(cfg.Engine.LockTimeout.Std()))
	eng.Register(comps.Bus)

	pm := process.NewManager(log)
	pm.RegisterShutdownHandler(func() {
		if err := comps.Close(); err != nil {
			log.Warn("Error closing worker dependencies", logger.WithError(err))
		}
	})
	pm.SetHeartbeat(process.DefaultHeartbeatInterval, func(ctx context.Context) {
		if err := comps.Deps.Store.Ping(ctx); err != nil {
			log.Warn("Store ping failed", logger.WithError(err))
		}
	})

	if err := comps.Bus.Start(ctx); err != nil {
		_ = comps.Close()
		return err
	}

	if path := c.configPath(); path != "" {
		rm := config.NewReloadManager(path, log)
		rm.AddCallback(reloadApplier(cfg, log, eng))
		if err := rm.StartWatching(); err != nil {
			log.Warn("Configuration hot reload disabled", logger.WithError(err))
		} else {
			pm.RegisterShutdownHandler(func() { _ = rm.StopWatching() })
		}
		pm.SetReloadHandler(rm.TriggerReload)
	}

	runCtx := pm.Start(ctx)

	if r := cfg.Retention; r != nil && r.Enabled {
		sweeper := retention.NewSweeper(comps.Deps.Store, retention.Config{
			Schedule: r.Schedule,
			KeepFor:  r.KeepFor.Std(),
			Batch:    r.Batch,
		}, log, comps.Detail, comps.BuildLog)
		if err := sweeper.Start(runCtx); err != nil {
			log.Error("Retention disabled", logger.WithError(err))
		} else {
			pm.RegisterShutdownHandler(sweeper.Stop)
		}
	}

	if ops := cfg.Ops; ops != nil && ops.Enabled {
		srv := server.New(ops.Listen, comps.Deps.Store, comps.Detail, log)
		srv.Start()
		pm.RegisterShutdownHandler(func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn("Ops server shutdown failed", logger.WithError(err))
			}
		})
	}

	log.Success("Worker started",
		logger.WithField("store", cfg.Store.Driver),
		logger.WithField("bus", cfg.Bus.Driver),
		logger.WithField("lock", cfg.Lock.Driver))

	pm.Wait()
	log.Info("Worker stopped")
	return nil
}

// reloadApplier returns a callback applying the reloadable settings of a new configuration
func reloadApplier(current *types.EngineConfig, log logger.Logger, eng *engine.Engine) config.ReloadCallback {
	var mu sync.Mutex
	return func(updated *types.EngineConfig, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		for _, field := range config.Diff(current, updated) {
			switch field {
			case "logging.level":
				if setter, ok := log.(logger.LevelSetter); ok {
					setter.SetLevel(string(updated.Logging.Level))
				}
				current.Logging.Level = updated.Logging.Level
			case "engine.lockTimeout":
				eng.SetLockTimeout(updated.Engine.LockTimeout.Std())
				current.Engine.LockTimeout = updated.Engine.LockTimeout
			}
			log.Info("Applied configuration change", logger.WithField("setting", field))
		}
	}
}
