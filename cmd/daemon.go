package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/telemetryops/tslc/pkg/daemon"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var daemonCfgFile string

//nolint:gochecknoglobals // Cobra commands are typically global
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the tslc lifecycle daemon",
	Long:  `The daemon runs the job scheduler and the compression, retention and aggregate managers against the configured engine.`,
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringVar(&daemonCfgFile, "config", "daemon.yaml", "config file (default is daemon.yaml)")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	config, err := daemon.LoadConfig(daemonCfgFile)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(config.Logging)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetLevel(level)

	log.Info("Configuration loaded")

	app := daemon.NewApplication(config, log)
	if err := app.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	return app.Stop()
}
