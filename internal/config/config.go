package config

import (
	"fmt"
)

// Config is the complete configuration for the vslam tool: solver
// settings shared by all commands and the serve-mode HTTP surface. It
// loads from configuration files, environment variables, and
// command-line flags.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Solver SolverConfig `mapstructure:"solver" yaml:"solver" json:"solver"`
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// SolverConfig tunes the bundle adjustment loop.
type SolverConfig struct {
	Iterations int     `mapstructure:"iterations" yaml:"iterations" json:"iterations"`
	Tolerance  float64 `mapstructure:"tolerance" yaml:"tolerance" json:"tolerance"`
	Lambda     float64 `mapstructure:"lambda" yaml:"lambda" json:"lambda"`
	Workers    int     `mapstructure:"workers" yaml:"workers" json:"workers"`
}

// ServerConfig contains HTTP service settings for serve mode.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host" json:"host"`
	Port int    `mapstructure:"port" yaml:"port" json:"port"`

	// OptimizeIntervalSec is the cadence of the background refinement
	// pass; 0 disables the periodic trigger.
	OptimizeIntervalSec int `mapstructure:"optimize_interval_sec" yaml:"optimize_interval_sec" json:"optimize_interval_sec"`

	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" json:"shutdown_timeout_sec"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Solver: SolverConfig{
			Iterations: 10,
			Tolerance:  1e-4,
			Lambda:     1e-4,
		},
		Server: ServerConfig{
			Host:                "localhost",
			Port:                8080,
			OptimizeIntervalSec: 10,
			ShutdownTimeoutSec:  10,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	if c.Solver.Iterations < 0 {
		return fmt.Errorf("solver.iterations must be >= 0, got %d", c.Solver.Iterations)
	}
	if c.Solver.Tolerance <= 0 {
		return fmt.Errorf("solver.tolerance must be > 0, got %g", c.Solver.Tolerance)
	}
	if c.Solver.Lambda <= 0 {
		return fmt.Errorf("solver.lambda must be > 0, got %g", c.Solver.Lambda)
	}
	if c.Solver.Workers < 0 {
		return fmt.Errorf("solver.workers must be >= 0, got %d", c.Solver.Workers)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Server.OptimizeIntervalSec < 0 {
		return fmt.Errorf("server.optimize_interval_sec must be >= 0, got %d", c.Server.OptimizeIntervalSec)
	}
	return nil
}
