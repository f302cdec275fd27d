// batch-service is the HTTP API server for batch jobs.
package main

import (
	"batch/internal/api"
	"batch/internal/config"
	"batch/internal/dispatcher"
	"batch/internal/executor/docker"
	"batch/internal/executor/kube"
	"batch/internal/executor/simulated"
	"batch/internal/health"
	"batch/internal/job"
	"batch/internal/observability"
	"batch/internal/store"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	st, err := openStore(svcCfg)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("Store ready", "store", svcCfg.Store)

	executor, err := openExecutor(ctx, svcCfg.Executor)
	if err != nil {
		return err
	}
	defer executor.Close()
	slog.Info("Executor ready", "executor", svcCfg.Executor)

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// Create job service (re-queues jobs left in Created by a previous run)
	jobService := job.NewService(st, executor, eventDispatcher, metrics, job.Config{
		LaunchWorkers:      svcCfg.LaunchWorkers,
		LaunchBuffer:       svcCfg.LaunchBuffer,
		RefreshInterval:    svcCfg.RefreshInterval,
		CallbackSigningKey: svcCfg.CallbackSigningKey,
	})
	if err := jobService.Start(ctx); err != nil {
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker(
		health.Check{Name: "executor", Probe: executor.Ready, Critical: true},
		health.Check{Name: "store", Probe: st.Ping, Critical: true},
		health.Check{Name: "callbacks", Probe: func(context.Context) error {
			if open := eventDispatcher.Stats().BreakersOpen; open > 0 {
				return fmt.Errorf("%d callback circuit(s) open", open)
			}
			return nil
		}},
	)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		closeService(jobService)
		closeDispatcher(eventDispatcher, 10*time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop launching and refreshing; queued jobs stay Created
	closeService(jobService)

	// Phase 4: Drain callback dispatcher
	closeDispatcher(eventDispatcher, 10*time.Second)

	// Launched jobs keep running on the executor and are picked up by the next refresh.
	slog.Info("Shutdown complete")
	return nil
}

func closeService(svc *job.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		slog.Warn("Job service shutdown error", "error", err)
	}
}

// closeDispatcher delivers queued callbacks until timeout and logs the totals.
func closeDispatcher(d dispatcher.Dispatcher, timeout time.Duration) dispatcher.Stats {
	slog.Info("Draining callback dispatcher")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := d.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	return stats
}

func openStore(cfg *config.ServiceConfig) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreSQLite:
		return store.OpenSQLite(cfg.SQLitePath)
	case config.StoreRedis:
		return store.OpenRedis(cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func openExecutor(ctx context.Context, name string) (job.Executor, error) {
	switch name {
	case config.ExecutorDocker:
		return docker.New(ctx, docker.LoadConfigFromEnv())
	case config.ExecutorKubernetes:
		return kube.New(kube.LoadConfigFromEnv())
	case config.ExecutorSimulated:
		return simulated.New(simulated.LoadConfigFromEnv()), nil
	default:
		return nil, fmt.Errorf("unknown executor %q", name)
	}
}
