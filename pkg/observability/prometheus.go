// Package observability exposes the daemon's prometheus metrics endpoint
package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StartMetricsServer serves the prometheus registry on /metrics and returns
// the server so the caller owns its shutdown. Listen failures are logged, not
// fatal; a daemon with a bad metrics address still runs its lifecycle jobs.
func StartMetricsServer(log logrus.FieldLogger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 15 * time.Second,
		Handler:           mux,
	}

	go func() {
		log.WithField("addr", addr).Info("Started metrics server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()

	return srv
}
