// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/buildflow/buildflow/pkg/types"
)

// CurrentVersion is the only configuration version understood
const CurrentVersion = "1.0"

// Manager handles configuration operations
type Manager struct {
	validate *validator.Validate
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{validate: validator.New()}
}

// LoadConfig loads configuration from a JSON or YAML file. Fields the file
// leaves out keep their GetDefaultConfig values.
func (m *Manager) LoadConfig(path string) (*types.EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return m.ParseConfig(data)
}

// ParseConfig decodes and validates configuration bytes
func (m *Manager) ParseConfig(data []byte) (*types.EngineConfig, error) {
	cfg := m.GetDefaultConfig()

	// Try JSON first
	jsonErr := json.Unmarshal(data, cfg)
	if jsonErr != nil {
		// YAML goes through JSON so durations decode the same way in both formats
		var yamlData map[string]interface{}
		if err := yaml.Unmarshal(data, &yamlData); err != nil {
			return nil, fmt.Errorf("failed to parse config as JSON or YAML: %w", err)
		}
		jsonData, err := json.Marshal(yamlData)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML config: %w", err)
		}
		cfg = m.GetDefaultConfig()
		if err := json.Unmarshal(jsonData, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateConfig checks struct tags and the cross-field rules tags cannot express
func (m *Manager) ValidateConfig(cfg *types.EngineConfig) error {
	if err := m.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %s", cfg.Version)
	}

	switch cfg.Store.Driver {
	case types.StoreDriverFile, types.StoreDriverBadger:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store driver %s requires a path", cfg.Store.Driver)
		}
	case types.StoreDriverMySQL, types.StoreDriverSQLite:
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store driver %s requires a dsn", cfg.Store.Driver)
		}
	}

	if cfg.Bus.Driver == types.BusDriverAsynq && cfg.Bus.RedisAddr == "" {
		return fmt.Errorf("bus driver asynq requires redisAddr")
	}
	if cfg.Lock.Driver == types.LockDriverRedis && cfg.Lock.RedisAddr == "" {
		return fmt.Errorf("lock driver redis requires redisAddr")
	}
	// Workers on other processes hold their own local locks
	if cfg.Bus.Driver == types.BusDriverAsynq && cfg.Lock.Driver == types.LockDriverLocal {
		return fmt.Errorf("bus driver asynq needs lock driver redis so that builds are locked across workers")
	}

	if cfg.Engine.LockTimeout.Std() <= 0 {
		return fmt.Errorf("engine.lockTimeout must be positive")
	}

	if r := cfg.Retention; r != nil && r.Enabled {
		if _, err := cron.ParseStandard(r.Schedule); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", r.Schedule, err)
		}
		if r.KeepFor.Std() <= 0 {
			return fmt.Errorf("retention.keepFor must be positive")
		}
	}
	return nil
}

// GetDefaultConfig returns a single-process configuration backed by memory
func (m *Manager) GetDefaultConfig() *types.EngineConfig {
	return &types.EngineConfig{
		Version: CurrentVersion,
		Engine: types.EngineSettings{
			Workers:           4,
			LockTimeout:       types.Duration(10 * time.Second),
			MaxRedeliveries:   10,
			RedeliveryBackoff: types.Duration(100 * time.Millisecond),
		},
		Store: types.StoreConfig{Driver: types.StoreDriverMemory},
		Bus:   types.BusConfig{Driver: types.BusDriverMemory},
		Lock:  types.LockConfig{Driver: types.LockDriverLocal},
		Logging: types.LoggingConfig{
			Level:      types.LogLevelInfo,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Retention: &types.RetentionConfig{
			Enabled:  false,
			Schedule: "@every 1h",
			KeepFor:  types.Duration(7 * 24 * time.Hour),
			Batch:    100,
		},
		Ops: &types.OpsConfig{
			Enabled: false,
			Listen:  ":9464",
		},
	}
}

// Diff names the reloadable settings that differ between two configurations
func Diff(old, updated *types.EngineConfig) []string {
	var changed []string
	if old.Logging.Level != updated.Logging.Level {
		changed = append(changed, "logging.level")
	}
	if old.Engine.LockTimeout != updated.Engine.LockTimeout {
		changed = append(changed, "engine.lockTimeout")
	}
	return changed
}
