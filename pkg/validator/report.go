package validator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// reportTimeFormat names report files unambiguously and sorts lexically
const reportTimeFormat = "20060102T150405Z"

// WriteFile writes the report as yaml to a timestamped file in dir and
// returns the path
func (r *Report) WriteFile(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("tslc-validate-%s.yaml", r.GeneratedAt.Format(reportTimeFormat)))

	raw, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("failed to write report %s: %w", path, err)
	}

	return path, nil
}

// Render echoes the report to a writer, typically stdout
func (r *Report) Render(w io.Writer) error {
	raw, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	return nil
}
