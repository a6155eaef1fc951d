// Package cli provides the command-line interface for buildflow
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildflow/buildflow/pkg/config"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// EnvPrefix prefixes environment overrides, e.g. BUILDFLOW_STORE_DRIVER
const EnvPrefix = "BUILDFLOW"

// CLI holds the command tree and everything commands share
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	logger   logger.Logger
	console  *logger.ConsoleLogger
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	return NewCLIWithOutput(cfg, os.Stdout, os.Stderr)
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := &CLI{
		config:   cfg,
		viper:    viper.New(),
		logger:   logger.NewNopLogger(),
		console:  logger.NewConsoleLogger(output, errorOut),
		output:   output,
		errorOut: errorOut,
	}
	c.setupCommands()
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "buildflow",
		Short: "Event-driven build lifecycle engine",
		Long: `buildflow advances build trees (stages, containers, tasks) in response to
pause, container and cancel events delivered over an event bus.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initializeConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	c.rootCmd.SetOut(c.output)
	c.rootCmd.SetErr(c.errorOut)

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("buildflow v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newWorkerCmd())
	c.rootCmd.AddCommand(c.newSeedCmd())
	c.rootCmd.AddCommand(c.newContinueCmd())
	c.rootCmd.AddCommand(c.newCancelCmd())
	c.rootCmd.AddCommand(c.newTerminateCmd())
	c.rootCmd.AddCommand(c.newAgentCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()
	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: ./buildflow.{json,yaml})")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "", "log level override (debug, info, warn, error)")
}

func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	if c.config.ConfigFile != "" {
		c.viper.SetConfigFile(c.config.ConfigFile)
	} else {
		c.viper.AddConfigPath(".")
		c.viper.SetConfigName("buildflow")
	}

	c.viper.SetEnvPrefix(EnvPrefix)
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && c.config.ConfigFile == "" {
			return fmt.Errorf("read config: %w", err)
		}
	}

	level := c.config.Verbosity
	if level == "" {
		level = string(types.LogLevelWarn)
	}
	c.logger = logger.CreateLoggerWithOutput(level, c.errorOut)
	return nil
}

// configPath is the file the configuration came from, empty when running on defaults
func (c *CLI) configPath() string {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile
	}
	return c.viper.ConfigFileUsed()
}

// loadEngineConfig reads the config file, applies environment and flag
// overrides and validates the result
func (c *CLI) loadEngineConfig() (*types.EngineConfig, error) {
	m := config.NewManager()

	cfg := m.GetDefaultConfig()
	if path := c.configPath(); path != "" {
		loaded, err := m.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overrides := map[string]*string{
		"store.driver":   &cfg.Store.Driver,
		"store.path":     &cfg.Store.Path,
		"store.dsn":      &cfg.Store.DSN,
		"bus.driver":     &cfg.Bus.Driver,
		"bus.redisAddr":  &cfg.Bus.RedisAddr,
		"bus.password":   &cfg.Bus.Password,
		"lock.driver":    &cfg.Lock.Driver,
		"lock.redisAddr": &cfg.Lock.RedisAddr,
		"lock.password":  &cfg.Lock.Password,
	}
	for key, dst := range overrides {
		if v := c.viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if c.config.Verbosity != "" {
		cfg.Logging.Level = types.LogLevel(c.config.Verbosity)
	}

	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
