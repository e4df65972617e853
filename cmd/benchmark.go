package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telemetryops/tslc/pkg/benchmark"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	benchmarkHypertable   string
	benchmarkAggregate    string
	benchmarkFilterColumn string
	benchmarkFilterValue  string
	benchmarkWarmup       int
	benchmarkReps         int
	benchmarkWindow       time.Duration
	benchmarkThresholds   []string
	benchmarkJSONPath     string
	benchmarkEngine       engineFlags
)

//nolint:gochecknoglobals // Cobra commands are typically global
var benchmarkCmd = &cobra.Command{
	Use:   "benchmark",
	Short: "Measure query latency against a live engine",
	Long: `Benchmark runs a fixed battery of representative read-only queries
with discarded warmup runs followed by timed repetitions, and reports latency
statistics per query. Exit code reflects configured thresholds.`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)

	benchmarkCmd.Flags().StringVar(&benchmarkHypertable, "hypertable", "", "hypertable to benchmark (required)")
	benchmarkCmd.Flags().StringVar(&benchmarkAggregate, "aggregate", "", "continuous aggregate for the point lookup query")
	benchmarkCmd.Flags().StringVar(&benchmarkFilterColumn, "filter-column", "", "dimension column for the filtered lookup query")
	benchmarkCmd.Flags().StringVar(&benchmarkFilterValue, "filter-value", "", "dimension value for the filtered lookup query")
	benchmarkCmd.Flags().IntVar(&benchmarkWarmup, "warmup", 3, "warmup runs discarded before timing")
	benchmarkCmd.Flags().IntVar(&benchmarkReps, "reps", 20, "timed repetitions per query")
	benchmarkCmd.Flags().DurationVar(&benchmarkWindow, "window", time.Hour, "time window the scan queries cover")
	benchmarkCmd.Flags().StringArrayVar(&benchmarkThresholds, "threshold", nil, "p95 latency target as query=duration, repeatable")
	benchmarkCmd.Flags().StringVar(&benchmarkJSONPath, "json", "", "write the machine-readable report to this file")

	benchmarkEngine.register(benchmarkCmd)

	_ = benchmarkCmd.MarkFlagRequired("hypertable")
}

func parseThresholds(raw []string) (map[string]time.Duration, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	thresholds := make(map[string]time.Duration, len(raw))

	for _, entry := range raw {
		name, value, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("invalid threshold %q, expected query=duration", entry)
		}

		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", entry, err)
		}

		thresholds[name] = d
	}

	return thresholds, nil
}

func runBenchmark(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	thresholds, err := parseThresholds(benchmarkThresholds)
	if err != nil {
		return err
	}

	eng, err := benchmarkEngine.open(logger)
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

	svc, err := benchmark.NewService(logger, &benchmark.Config{
		Warmup:      benchmarkWarmup,
		Repetitions: benchmarkReps,
		Window:      benchmarkWindow,
		BucketWidth: time.Minute,
		Thresholds:  thresholds,
	}, eng)
	if err != nil {
		return err
	}

	report, err := svc.Run(ctx, benchmark.Options{
		Hypertable:   benchmarkHypertable,
		Aggregate:    benchmarkAggregate,
		FilterColumn: benchmarkFilterColumn,
		FilterValue:  benchmarkFilterValue,
	})
	if err != nil {
		return err
	}

	if benchmarkJSONPath != "" {
		f, err := os.OpenFile(benchmarkJSONPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}

		if err := report.WriteJSON(f); err != nil {
			_ = f.Close()

			return err
		}

		if err := f.Close(); err != nil {
			return err
		}

		logger.WithField("path", benchmarkJSONPath).Info("Benchmark report written")
	}

	if err := report.Summary(os.Stdout); err != nil {
		return err
	}

	return report.Err()
}
