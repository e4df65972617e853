// Package scheduler drives the recurring lifecycle jobs: compression,
// retention, and continuous aggregate refresh. One scheduler loop owns every
// job record; jobs execute as queue tasks and report back over a result
// channel, so job state is never mutated concurrently.
package scheduler

import (
	"errors"
	"time"
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidTickInterval is returned when the tick interval is not positive
	ErrInvalidTickInterval = errors.New("tick interval must be positive")
)

// Config defines scheduler configuration
type Config struct {
	Concurrency     int           `yaml:"concurrency" default:"10"`
	Queue           string        `yaml:"queue" default:"tslc:lifecycle"`
	TickInterval    time.Duration `yaml:"tickInterval" default:"1s"`
	SyncInterval    time.Duration `yaml:"syncInterval" default:"1m"`
	Cleanup         string        `yaml:"cleanup" default:"@every 10m"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s"`
}

// Validate checks if the scheduler configuration is valid
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}

	return nil
}
