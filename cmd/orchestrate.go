package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/telemetryops/tslc/pkg/orchestrator"
	"github.com/telemetryops/tslc/pkg/policy"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	orchestrateManifest    string
	orchestrateEnvironment string
	orchestrateDryRun      bool
	orchestrateSkipValid   bool
	orchestrateOverwrite   bool
	orchestrateBackupDir   string
	orchestrateWorkers     int
	orchestrateEngine      engineFlags
)

//nolint:gochecknoglobals // Cobra commands are typically global
var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Bring hypertables under lifecycle management",
	Long: `Orchestrate validates preconditions, snapshots live state to a backup
file, then applies the manifest in dependency order. Every step is idempotent;
re-running against a converged system performs zero mutations.`,
	RunE: runOrchestrate,
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)

	orchestrateCmd.Flags().StringVar(&orchestrateManifest, "manifest", "manifest.yaml", "lifecycle manifest file")
	orchestrateCmd.Flags().StringVar(&orchestrateEnvironment, "environment", "development", "target environment (production, staging, development)")
	orchestrateCmd.Flags().BoolVar(&orchestrateDryRun, "dry-run", false, "log intended mutations without applying them")
	orchestrateCmd.Flags().BoolVar(&orchestrateSkipValid, "skip-validation", false, "skip the post-orchestration validation pass")
	orchestrateCmd.Flags().BoolVar(&orchestrateOverwrite, "overwrite", false, "replace conflicting live policies")
	orchestrateCmd.Flags().StringVar(&orchestrateBackupDir, "backup-dir", "backups", "directory for pre-mutation snapshots")
	orchestrateCmd.Flags().IntVar(&orchestrateWorkers, "workers", 0, "configured worker count, reported against environment recommendations")
	orchestrateEngine.register(orchestrateCmd)
}

func runOrchestrate(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	env, err := policy.ParseEnvironment(orchestrateEnvironment)
	if err != nil {
		logger.WithError(err).Error("Invalid environment")
		os.Exit(orchestrator.ExitCode(err))
	}

	m, err := policy.LoadManifest(orchestrateManifest)
	if err != nil {
		logger.WithError(err).Error("Manifest rejected")
		os.Exit(orchestrator.ExitCode(err))
	}

	eng, err := orchestrateEngine.open(logger)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			logger.WithError(err).Warn("Failed to stop engine")
		}
	}()

	svc := orchestrator.NewService(logger, eng)

	result, applyErr := svc.Apply(ctx, m, orchestrator.Options{
		Environment:    env,
		DryRun:         orchestrateDryRun,
		SkipValidation: orchestrateSkipValid,
		Overwrite:      orchestrateOverwrite,
		BackupDir:      orchestrateBackupDir,
		Workers:        orchestrateWorkers,
		Debug:          logger.IsLevelEnabled(logrus.DebugLevel),
	})

	if result != nil && result.Validation != nil {
		if err := result.Validation.Render(os.Stdout); err != nil {
			logger.WithError(err).Warn("Failed to render validation report")
		}
	}

	if applyErr != nil {
		logger.WithError(applyErr).Error("Orchestration failed")
		os.Exit(orchestrator.ExitCode(applyErr))
	}

	return nil
}
