package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Store drivers
const (
	StoreDriverMemory = "memory"
	StoreDriverFile   = "file"
	StoreDriverBadger = "badger"
	StoreDriverMySQL  = "mysql"
	StoreDriverSQLite = "sqlite"
)

// Bus drivers
const (
	BusDriverMemory = "memory"
	BusDriverAsynq  = "asynq"
)

// Lock drivers
const (
	LockDriverLocal = "local"
	LockDriverRedis = "redis"
)

// Duration is a time.Duration that decodes from "10s" style strings or from milliseconds
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
}

// EngineConfig is the root configuration of a buildflow worker
type EngineConfig struct {
	Version   string           `json:"version" validate:"required"`
	Engine    EngineSettings   `json:"engine"`
	Store     StoreConfig      `json:"store"`
	Bus       BusConfig        `json:"bus"`
	Lock      LockConfig       `json:"lock"`
	Logging   LoggingConfig    `json:"logging"`
	Retention *RetentionConfig `json:"retention,omitempty"`
	Ops       *OpsConfig       `json:"ops,omitempty"`
}

// EngineSettings tunes event handling
type EngineSettings struct {
	Workers           int      `json:"workers" validate:"min=1,max=256"`
	LockTimeout       Duration `json:"lockTimeout"`
	MaxRedeliveries   int      `json:"maxRedeliveries" validate:"min=0"`
	RedeliveryBackoff Duration `json:"redeliveryBackoff"`
	RedeliveryRate    float64  `json:"redeliveryRate" validate:"min=0"`
}

// StoreConfig selects the build state store
type StoreConfig struct {
	Driver     string `json:"driver" validate:"required,oneof=memory file badger mysql sqlite"`
	Path       string `json:"path,omitempty"`
	DSN        string `json:"dsn,omitempty"`
	SyncWrites bool   `json:"syncWrites,omitempty"`
}

// BusConfig selects the event bus
type BusConfig struct {
	Driver    string `json:"driver" validate:"required,oneof=memory asynq"`
	RedisAddr string `json:"redisAddr,omitempty"`
	RedisDB   int    `json:"redisDb,omitempty"`
	Password  string `json:"password,omitempty"`
	Queue     string `json:"queue,omitempty"`
}

// LockConfig selects the per-build lock
type LockConfig struct {
	Driver    string   `json:"driver" validate:"required,oneof=local redis"`
	RedisAddr string   `json:"redisAddr,omitempty"`
	RedisDB   int      `json:"redisDb,omitempty"`
	Password  string   `json:"password,omitempty"`
	KeyPrefix string   `json:"keyPrefix,omitempty"`
	TTL       Duration `json:"ttl,omitempty"`
}

// LoggingConfig controls logger output
type LoggingConfig struct {
	Level      LogLevel `json:"level" validate:"omitempty,oneof=debug info warn error"`
	File       string   `json:"file,omitempty"`
	MaxSizeMB  int      `json:"maxSizeMb,omitempty" validate:"min=0"`
	MaxBackups int      `json:"maxBackups,omitempty" validate:"min=0"`
	MaxAgeDays int      `json:"maxAgeDays,omitempty" validate:"min=0"`
}

// RetentionConfig controls archival of finished builds
type RetentionConfig struct {
	Enabled  bool     `json:"enabled"`
	Schedule string   `json:"schedule,omitempty"`
	KeepFor  Duration `json:"keepFor,omitempty"`
	Batch    int      `json:"batch,omitempty" validate:"min=0"`
}

// OpsConfig controls the health and metrics listener
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"`
}
