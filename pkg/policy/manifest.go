package policy

import (
	"bytes"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Environment selects deployment-specific recommendations. Recommendations
// below a warning threshold are reported by the validator but never fail
// orchestration on their own.
type Environment string

// Known environments
const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvDevelopment Environment = "development"
)

// ParseEnvironment validates an environment flag value
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvProduction, EnvStaging, EnvDevelopment:
		return Environment(s), nil
	default:
		return "", configErr("unknown environment %q (expected production, staging or development)", s)
	}
}

// Recommendation carries the per-environment sizing the validator checks
type Recommendation struct {
	// Workers is the recommended scheduler worker pool size
	Workers int
	// StorageHeadroomBytes is the free-space floor required before
	// orchestration mutates anything
	StorageHeadroomBytes int64
}

// Recommended returns the sizing recommendation for an environment
func (e Environment) Recommended() Recommendation {
	switch e {
	case EnvProduction:
		return Recommendation{Workers: 8, StorageHeadroomBytes: 10 << 30}
	case EnvStaging:
		return Recommendation{Workers: 4, StorageHeadroomBytes: 2 << 30}
	default:
		return Recommendation{Workers: 2, StorageHeadroomBytes: 256 << 20}
	}
}

// TableManifest is the complete desired lifecycle configuration for one
// hypertable: the table itself plus every policy applied to it.
type TableManifest struct {
	HypertableSpec `yaml:",inline"`

	Compression *CompressionPolicy `yaml:"compression"`
	Retention   *RetentionPolicy   `yaml:"retention"`
	Indexes     []IndexSpec        `yaml:"indexes"`
	Aggregates  []AggregateSpec    `yaml:"aggregates"`
}

// Manifest is the desired state the orchestrator applies and the validator
// certifies. A backup snapshot is itself a Manifest, so restoring is replaying
// it as configuration input.
type Manifest struct {
	Tables []TableManifest `yaml:"hypertables"`
}

// LoadManifest reads and validates a manifest file
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // User-provided manifest path
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	m := &Manifest{}

	// Strict decoding: a misspelled key is rejected instead of silently
	// dropped, which would otherwise let an empty manifest "converge".
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)

	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if err := defaults.Set(m); err != nil {
		return nil, fmt.Errorf("failed to apply manifest defaults: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks every table and policy in the manifest and fills the
// back-references policies carry to their owning hypertable. Violating
// configurations are rejected, never clamped.
func (m *Manifest) Validate() error {
	seenTables := make(map[string]struct{}, len(m.Tables))
	seenAggregates := make(map[string]struct{})

	for i := range m.Tables {
		t := &m.Tables[i]

		if err := t.HypertableSpec.Validate(); err != nil {
			return err
		}

		if _, dup := seenTables[t.Name]; dup {
			return configErr("duplicate hypertable %q", t.Name)
		}
		seenTables[t.Name] = struct{}{}

		if t.Compression != nil {
			t.Compression.Hypertable = t.Name
			if err := t.Compression.Validate(&t.HypertableSpec); err != nil {
				return err
			}
		}

		if t.Retention != nil {
			t.Retention.Hypertable = t.Name
			if err := t.Retention.Validate(&t.HypertableSpec, t.Compression); err != nil {
				return err
			}
		}

		for j := range t.Indexes {
			t.Indexes[j].Hypertable = t.Name
			if err := t.Indexes[j].Validate(&t.HypertableSpec); err != nil {
				return err
			}
		}

		for j := range t.Aggregates {
			agg := &t.Aggregates[j]
			agg.Hypertable = t.Name

			if err := agg.Validate(&t.HypertableSpec); err != nil {
				return err
			}

			if _, dup := seenAggregates[agg.Name]; dup {
				return configErr("duplicate aggregate %q", agg.Name)
			}
			seenAggregates[agg.Name] = struct{}{}
		}
	}

	return nil
}

// Table returns the manifest entry for a hypertable, or nil
func (m *Manifest) Table(name string) *TableManifest {
	for i := range m.Tables {
		if m.Tables[i].Name == name {
			return &m.Tables[i]
		}
	}

	return nil
}

// Save writes the manifest as yaml; used for backup snapshots
func (m *Manifest) Save(path string) error {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}

	return nil
}
