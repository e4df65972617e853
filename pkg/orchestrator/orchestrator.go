// Package orchestrator brings hypertables under lifecycle management. It
// validates preconditions, snapshots live state, then applies the manifest in
// dependency order as a step graph. Every apply step is observe-diff-apply:
// re-running against a converged system performs zero mutations, so operators
// recover from a mid-run failure by re-running.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/policy"
	"github.com/telemetryops/tslc/pkg/validator"
)

// Sentinel errors classify failures into exit codes
var (
	// ErrPreconditionFailed aborts before any mutation
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrBackupFailed aborts before any mutation; a backup is never skipped
	ErrBackupFailed = errors.New("backup failed")
	// ErrStepFailed halts the sequence mid-run, leaving completed steps in place
	ErrStepFailed = errors.New("orchestration step failed")
	// ErrValidationMismatch means the applied state does not match the manifest
	ErrValidationMismatch = errors.New("post-validation mismatch")
)

// Process exit codes for the orchestrate command
const (
	ExitOK           = 0
	ExitPrecondition = 2
	ExitBackup       = 3
	ExitStep         = 4
	ExitValidation   = 5
)

// ExitCode maps an orchestration error to a process exit code
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrPreconditionFailed), errors.Is(err, policy.ErrPolicyConfig):
		return ExitPrecondition
	case errors.Is(err, ErrBackupFailed):
		return ExitBackup
	case errors.Is(err, ErrValidationMismatch):
		return ExitValidation
	default:
		return ExitStep
	}
}

// Options controls one orchestration run
type Options struct {
	Environment policy.Environment
	// DryRun performs preconditions and backup fully but only logs intended
	// mutations
	DryRun bool
	// SkipValidation omits the post-validation step
	SkipValidation bool
	// Overwrite allows replacing a conflicting live policy
	Overwrite bool
	// BackupDir receives the pre-mutation snapshot
	BackupDir string
	// Workers and Debug feed the post-validation environment checks
	Workers int
	Debug   bool
}

// StepResult is the outcome of one executed step
type StepResult struct {
	ID      string `yaml:"step"`
	Applied int    `yaml:"applied"`
	Detail  string `yaml:"detail,omitempty"`
	DryRun  bool   `yaml:"dryRun,omitempty"`
}

// Result summarizes one orchestration run
type Result struct {
	BackupPath string            `yaml:"backup"`
	Steps      []StepResult      `yaml:"steps"`
	Mutations  int               `yaml:"mutations"`
	Validation *validator.Report `yaml:"validation,omitempty"`
}

// Service is the orchestrator
type Service interface {
	// Start initializes the service
	Start(ctx context.Context) error
	// Stop shuts down the service
	Stop() error

	// Apply brings every hypertable in the manifest under lifecycle management
	Apply(ctx context.Context, m *policy.Manifest, opts Options) (*Result, error)
}

type service struct {
	log       logrus.FieldLogger
	engine    engine.Engine
	validator validator.Service
}

// NewService creates an orchestrator over an engine
func NewService(log logrus.FieldLogger, eng engine.Engine) Service {
	return &service{
		log:       log.WithField("service", "orchestrator"),
		engine:    eng,
		validator: validator.NewService(log, eng),
	}
}

func (s *service) Start(_ context.Context) error {
	s.log.Info("Orchestrator service started")

	return nil
}

func (s *service) Stop() error {
	s.log.Info("Orchestrator service stopped")

	return nil
}

func (s *service) Apply(ctx context.Context, m *policy.Manifest, opts Options) (*Result, error) {
	if opts.BackupDir == "" {
		opts.BackupDir = "backups"
	}

	result := &Result{}

	graph, err := s.buildSteps(m, opts, result)
	if err != nil {
		return result, err
	}

	order, err := graph.executionOrder()
	if err != nil {
		return result, err
	}

	for _, id := range order {
		st := graph.steps[id]

		// Dry-run still observes and diffs; only the apply half is withheld
		apply := !opts.DryRun || !st.mutating

		applied, detail, err := st.run(ctx, apply)
		if err != nil {
			s.log.WithError(err).WithField("step", id).Error("Orchestration step failed")

			return result, err
		}

		result.Steps = append(result.Steps, StepResult{ID: id, Applied: applied, Detail: detail, DryRun: !apply})

		if apply {
			result.Mutations += applied
		}

		entry := s.log.WithFields(logrus.Fields{
			"step":    id,
			"applied": applied,
		})

		switch {
		case !apply && applied > 0:
			entry.WithField("detail", detail).Info("Would apply")
		case applied > 0:
			entry.Info("Step applied")
		default:
			entry.Debug("Step already converged")
		}
	}

	s.log.WithFields(logrus.Fields{
		"steps":     len(result.Steps),
		"mutations": result.Mutations,
		"backup":    result.BackupPath,
		"dry_run":   opts.DryRun,
	}).Info("Orchestration complete")

	return result, nil
}

func stepFailed(id string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStepFailed, id, err)
}
