package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// metricsHandler serves /metrics from reg and a /health check.
func metricsHandler(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

type metricsServer struct {
	srv  *http.Server
	addr net.Addr
}

// startMetricsServer listens on addr and serves handler in the background.
func startMetricsServer(addr string, handler http.Handler) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logrus.WithFields(logrus.Fields{
				"function": "startMetricsServer",
				"error":    err.Error(),
			}).Error("Metrics server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "startMetricsServer",
		"addr":     ln.Addr().String(),
	}).Info("Serving metrics")
	return &metricsServer{srv: srv, addr: ln.Addr()}, nil
}

func (m *metricsServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.srv.Shutdown(ctx)
}
