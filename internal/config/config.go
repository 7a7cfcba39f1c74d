// Package config loads the prismd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Configuration errors.
var (
	ErrNoListen     = errors.New("listen address is required")
	ErrNoAgents     = errors.New("at least one agent is required")
	ErrInvalidAgent = errors.New("invalid agent")
	ErrInvalidLevel = errors.New("invalid log level")
)

// Agent declares one software agent the daemon checks against.
type Agent struct {
	// Name is the agent's device name.
	Name string `toml:"name"`

	// ISA is the instruction set the agent reports, e.g.
	// "amdgcn-amd-amdhsa--gfx90a".
	ISA string `toml:"isa"`
}

// Config holds the daemon configuration.
type Config struct {
	// Listen is the gRPC listen address (host:port).
	Listen string `toml:"listen"`

	// Agents lists the agents preflight checks run against.
	Agents []Agent `toml:"agents"`

	// CacheDir, when set, enables the on-disk extraction cache.
	CacheDir string `toml:"cache_dir"`

	// MaxImageSize bounds request payloads in bytes; 0 keeps the
	// service default.
	MaxImageSize int64 `toml:"max_image_size"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogJSON emits JSON log lines instead of console output.
	LogJSON bool `toml:"log_json"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return Config{
		Listen:   ":7411",
		LogLevel: "info",
	}
}

// Load reads a TOML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return ErrNoListen
	}
	if len(c.Agents) == 0 {
		return ErrNoAgents
	}
	for i, a := range c.Agents {
		if a.Name == "" || a.ISA == "" {
			return fmt.Errorf("%w: agent %d needs name and isa", ErrInvalidAgent, i)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLevel, c.LogLevel)
	}
	return nil
}
