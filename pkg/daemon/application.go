package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/telemetryops/tslc/pkg/aggregate"
	"github.com/telemetryops/tslc/pkg/catalog"
	"github.com/telemetryops/tslc/pkg/compression"
	"github.com/telemetryops/tslc/pkg/engine"
	"github.com/telemetryops/tslc/pkg/engine/local"
	"github.com/telemetryops/tslc/pkg/engine/remote"
	"github.com/telemetryops/tslc/pkg/observability"
	"github.com/telemetryops/tslc/pkg/retention"
	"github.com/telemetryops/tslc/pkg/scheduler"
)

const shutdownTimeout = 10 * time.Second

// Application owns the daemon's service graph and its lifecycle
type Application struct {
	config *Config
	logger *logrus.Logger

	engine      engine.Engine
	catalog     catalog.Service
	compression compression.Service
	retention   retention.Service
	aggregate   aggregate.Service
	scheduler   scheduler.Service

	metricsServer *http.Server
	healthServer  *http.Server
}

// NewApplication creates a daemon application from configuration
func NewApplication(cfg *Config, logger *logrus.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
	}
}

// Start validates configuration and brings the service graph up leaf-first:
// engine, catalog, managers, then the scheduler on top
func (a *Application) Start() error {
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.logger.Info("Starting tslc daemon")

	a.metricsServer = observability.StartMetricsServer(a.logger, a.config.MetricsAddr)

	if a.config.HealthCheckAddr != "" {
		a.startHealthCheck()
	}

	ctx := context.Background()

	eng, err := a.newEngine()
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	a.engine = eng

	a.catalog = catalog.NewService(a.logger, eng)
	if err := a.catalog.Start(ctx); err != nil {
		return fmt.Errorf("failed to start catalog: %w", err)
	}

	a.compression = compression.NewService(a.logger, eng, a.catalog, a.config.Workers)
	if err := a.compression.Start(ctx); err != nil {
		return fmt.Errorf("failed to start compression manager: %w", err)
	}

	a.retention = retention.NewService(a.logger, eng, a.catalog)
	if err := a.retention.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retention manager: %w", err)
	}

	a.aggregate = aggregate.NewService(a.logger, eng)
	if err := a.aggregate.Start(ctx); err != nil {
		return fmt.Errorf("failed to start aggregate engine: %w", err)
	}

	redisOpt := &goredis.Options{Addr: a.config.Redis.Address}

	sched, err := scheduler.NewService(a.logger, &a.config.Scheduler, redisOpt, eng, a.compression, a.retention, a.aggregate)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.scheduler = sched

	a.logger.WithField("engine", a.config.Engine.Mode).Info("Daemon started")

	return nil
}

// Stop shuts the service graph down in reverse order. Errors are logged, not
// returned early, so every service gets its shutdown chance.
func (a *Application) Stop() error {
	a.logger.Info("Shutting down daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown metrics server")
		}
	}

	if a.healthServer != nil {
		if err := a.healthServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown health check server")
		}
	}

	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			a.logger.WithError(err).Error("Failed to stop scheduler")
		}
	}

	for _, svc := range []interface{ Stop() error }{a.aggregate, a.retention, a.compression, a.catalog} {
		if svc == nil {
			continue
		}

		if err := svc.Stop(); err != nil {
			a.logger.WithError(err).Error("Failed to stop service")
		}
	}

	if a.engine != nil {
		if err := a.engine.Stop(); err != nil {
			a.logger.WithError(err).Error("Failed to stop engine")
		}
	}

	a.logger.Info("Daemon stopped")

	return nil
}

func (a *Application) newEngine() (engine.Engine, error) {
	switch a.config.Engine.Mode {
	case EngineRemote:
		a.config.Engine.Remote.LoadPassword()

		return remote.NewStore(a.logger, &a.config.Engine.Remote)
	default:
		return local.NewStore(a.logger, &a.config.Engine.Local)
	}
}

func (a *Application) startHealthCheck() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	a.healthServer = &http.Server{
		Addr:              a.config.HealthCheckAddr,
		ReadHeaderTimeout: 15 * time.Second,
		Handler:           mux,
	}

	go func() {
		a.logger.WithField("addr", a.config.HealthCheckAddr).Info("Started health check server")

		if err := a.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Health check server failed")
		}
	}()
}
