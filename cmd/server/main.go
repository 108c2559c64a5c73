package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/copyleftdev/bondfit/internal/config"
	"github.com/copyleftdev/bondfit/internal/dataset"
	"github.com/copyleftdev/bondfit/internal/diagnostics"
	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/fitting"
	"github.com/copyleftdev/bondfit/internal/logging"
	"github.com/copyleftdev/bondfit/internal/server"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	serviceLogger := logger.WithFields(map[string]interface{}{
		"service": "bondfit-server",
		"version": version,
	})
	fitLogger := logging.NewZapLogger(serviceLogger)
	defer func() { _ = fitLogger.Sync() }()

	reporters, err := buildReporters(cfg, serviceLogger)
	if err != nil {
		serviceLogger.Fatal("failed to set up diagnostics", map[string]interface{}{"error": err.Error()})
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(serviceLogger))
	r.Use(errors.RecoveryMiddleware(serviceLogger))
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := server.NewServer(cfg, serviceLogger, dataset.NewFileSource(cfg.Data.Dir),
		server.WithMetrics(server.NewMetrics(prometheus.DefaultRegisterer)),
		server.WithFitLogger(fitLogger),
		server.WithReporters(reporters...),
	)
	srv.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		serviceLogger.Info("starting server", map[string]interface{}{
			"address":  httpServer.Addr,
			"data_dir": cfg.Data.Dir,
		})

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serviceLogger.Fatal("failed to start server", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	serviceLogger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		serviceLogger.Error("server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	// Running fits stop at their next hop and keep their best point.
	if err := srv.Close(); err != nil {
		serviceLogger.Error("error closing server resources", map[string]interface{}{"error": err.Error()})
	}

	serviceLogger.Info("server exited properly")
}

func buildReporters(cfg *config.Config, logger *logging.Logger) ([]fitting.Reporter, error) {
	var uploader diagnostics.Uploader
	if cfg.Artifacts.Enabled {
		store, err := diagnostics.NewObjectStore(cfg.Artifacts.ObjectStore(), logging.NewZapLogger(logger))
		if err != nil {
			return nil, err
		}
		uploader = store
	}

	var reporters []fitting.Reporter
	if !cfg.Diagnostics.DisablePlots {
		opts := []diagnostics.PlotOption{diagnostics.WithPlotLogger(logging.NewZapLogger(logger))}
		if uploader != nil {
			opts = append(opts, diagnostics.WithUploader(uploader))
		}
		reporters = append(reporters, diagnostics.NewPlotReporter(cfg.Diagnostics.PlotDir, opts...))
	}
	if !cfg.Diagnostics.DisableTraces {
		reporters = append(reporters, diagnostics.NewTraceReporter(cfg.Diagnostics.TraceDir, cfg.Diagnostics.TraceParams, uploader))
	}
	return reporters, nil
}
