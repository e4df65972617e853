package cmd

import (
	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/engine/local"
	"github.com/telemetryops/tslc/pkg/engine/remote"
)

// engineFlags carries the connection parameters shared by the orchestrate,
// validate and benchmark commands. The credential is read from the
// TSLC_PASSWORD environment variable only, never from a flag.
type engineFlags struct {
	mode     string
	host     string
	port     int
	database string
	user     string
	dataDir  string
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "engine", "local", "engine backend (local, remote)")
	cmd.Flags().StringVar(&f.host, "host", "localhost", "remote engine host")
	cmd.Flags().IntVar(&f.port, "port", 8088, "remote engine port")
	cmd.Flags().StringVar(&f.database, "database", "telemetry", "remote engine database")
	cmd.Flags().StringVar(&f.user, "user", "tslc", "remote engine user")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "./data", "local engine data directory")
}

// open builds the selected engine backend. The caller owns Start/Stop.
func (f *engineFlags) open(log *logrus.Logger) (engine.Engine, error) {
	if f.mode == "remote" {
		cfg := &remote.Config{}
		if err := defaults.Set(cfg); err != nil {
			return nil, err
		}

		cfg.Host = f.host
		cfg.Port = f.port
		cfg.Database = f.database
		cfg.User = f.user
		cfg.LoadPassword()

		return remote.NewStore(log, cfg)
	}

	return local.NewStore(log, &local.Config{Path: f.dataDir})
}
