// Package daemon wires configuration into the running lifecycle process: the
// engine backend, the chunk catalog and managers, the scheduler, and the
// metrics and health endpoints.
package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/telemetryops/tslc/pkg/engine/local"
	"github.com/telemetryops/tslc/pkg/engine/remote"
	"github.com/telemetryops/tslc/pkg/redis"
	"github.com/telemetryops/tslc/pkg/scheduler"
)

// Engine backend modes
const (
	EngineLocal  = "local"
	EngineRemote = "remote"
)

// ErrUnknownEngineMode is returned for an unrecognized engine mode
var ErrUnknownEngineMode = errors.New("engine mode must be local or remote")

// EngineConfig selects and configures the engine backend
type EngineConfig struct {
	Mode   string        `yaml:"mode" default:"local"`
	Local  local.Config  `yaml:"local"`
	Remote remote.Config `yaml:"remote"`
}

// Validate checks the selected backend's configuration
func (c *EngineConfig) Validate() error {
	switch c.Mode {
	case EngineLocal:
		return c.Local.Validate()
	case EngineRemote:
		return c.Remote.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngineMode, c.Mode)
	}
}

// Config is the complete daemon configuration
type Config struct {
	Logging         string `yaml:"logging" default:"info"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9091"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`

	Engine    EngineConfig     `yaml:"engine"`
	Redis     redis.Config     `yaml:"redis"`
	Scheduler scheduler.Config `yaml:"scheduler"`

	// Workers sizes the compression worker pool
	Workers int `yaml:"workers" default:"4"`
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}

	if err := c.Redis.Validate(); err != nil {
		return err
	}

	return c.Scheduler.Validate()
}

// LoadConfig reads a daemon configuration file with defaults applied
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
