package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/telemetryops/tslc/pkg/policy"
	"github.com/telemetryops/tslc/pkg/validator"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	validateManifest    string
	validateEnvironment string
	validateWorkers     int
	validateReportDir   string
	validateEngine      engineFlags
)

//nolint:gochecknoglobals // Cobra commands are typically global
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Certify live configuration against a manifest",
	Long: `Validate compares live engine configuration against the manifest and
writes a pass/warn/fail report to a timestamped file, echoed to stdout. The
command never mutates anything and exits non-zero when any check fails.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateManifest, "manifest", "manifest.yaml", "lifecycle manifest file")
	validateCmd.Flags().StringVar(&validateEnvironment, "environment", "development", "target environment (production, staging, development)")
	validateCmd.Flags().IntVar(&validateWorkers, "workers", 0, "configured worker count, compared against environment recommendations")
	validateCmd.Flags().StringVar(&validateReportDir, "report-dir", "reports", "directory for validation reports")
	validateEngine.register(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	env, err := policy.ParseEnvironment(validateEnvironment)
	if err != nil {
		return err
	}

	m, err := policy.LoadManifest(validateManifest)
	if err != nil {
		return err
	}

	eng, err := validateEngine.open(logger)
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

	svc := validator.NewService(logger, eng)

	report, err := svc.Validate(ctx, m, validator.Options{
		Environment: env,
		Workers:     validateWorkers,
		Debug:       logger.IsLevelEnabled(logrus.DebugLevel),
	})
	if err != nil {
		return err
	}

	path, err := report.WriteFile(validateReportDir)
	if err != nil {
		return err
	}

	logger.WithField("path", path).Info("Validation report written")

	if err := report.Render(os.Stdout); err != nil {
		return err
	}

	return report.Err()
}
