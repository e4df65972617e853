// Package local implements the engine contract on an embedded badger store.
// The store owns the physical chunk data: row keys for uncompressed chunks,
// one columnar blob per compressed chunk, and all catalog metadata. Metadata
// swaps happen inside single badger transactions, which is what makes
// compression and retention crash-safe: an interrupted transform leaves the
// prior state fully readable.
package local

import (
	"errors"
)

// Static configuration errors
var (
	// ErrPathRequired is returned when no data directory is configured for a
	// persistent store
	ErrPathRequired = errors.New("data path is required unless inMemory is set")
)

// Config holds the embedded store configuration
type Config struct {
	// Path is the badger data directory
	Path string `yaml:"path" default:"./data"`
	// InMemory runs the store without disk persistence (tests)
	InMemory bool `yaml:"inMemory"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Path == "" && !c.InMemory {
		return ErrPathRequired
	}

	return nil
}
