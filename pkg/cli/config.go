package cli

// Config holds the global flags, so that commands read no package state
type Config struct {
	ConfigFile string
	Verbosity  string
	Version    string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{Version: "dev"}
}
