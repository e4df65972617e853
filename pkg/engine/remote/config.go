// Package remote implements the engine contract against the HTTP query
// interface of a network-attached time-series server. Statements are rendered
// from templates and shipped as the request body; results come back as JSON
// rows.
package remote

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// EnvPassword is the environment variable holding the engine credential.
// The password is never accepted through a config file or a CLI flag.
const EnvPassword = "TSLC_PASSWORD"

// Static errors for configuration validation
var (
	ErrHostRequired     = errors.New("host is required")
	ErrDatabaseRequired = errors.New("database is required")
)

// Config contains engine connection settings
type Config struct {
	Host          string        `yaml:"host" default:"localhost"`
	Port          int           `yaml:"port" default:"8088"`
	Database      string        `yaml:"database" default:"telemetry"`
	User          string        `yaml:"user" default:"tslc"`
	Password      string        `yaml:"-"`
	QueryTimeout  time.Duration `yaml:"queryTimeout" default:"30s"`
	InsertTimeout time.Duration `yaml:"insertTimeout" default:"5m"`
	KeepAlive     time.Duration `yaml:"keepAlive" default:"30s"`
	Debug         bool          `yaml:"debug"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return ErrHostRequired
	}

	if c.Database == "" {
		return ErrDatabaseRequired
	}

	return nil
}

// LoadPassword pulls the credential from the environment
func (c *Config) LoadPassword() {
	if c.Password == "" {
		c.Password = os.Getenv(EnvPassword)
	}
}

// URL returns the base query endpoint
func (c *Config) URL() string {
	return fmt.Sprintf("http://%s:%d/query?database=%s", c.Host, c.Port, c.Database)
}
