// Package main provides the dispatcher entry point. The dispatcher owns the
// schema, sweeps expired slot leases, and spawns one-shot workers in
// proportion to per-key queue depth.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
	"github.com/oddish-run/oddish/internal/adapter/repo/postgres"
	"github.com/oddish-run/oddish/internal/app"
	"github.com/oddish-run/oddish/internal/config"
	"github.com/oddish-run/oddish/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// The dispatcher is the long-lived process, so it carries the scrape
	// endpoint; one-shot workers would fight over the port.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.ContextWithLogger(ctx, logger)

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	d := &app.Dispatcher{
		Queue:      pgq.NewQueue(pool, cfg.TrialRetryTimer),
		Slots:      pgq.NewSlotStore(pool),
		Spawner:    &app.ExecSpawner{WorkerBin: cfg.WorkerBin},
		Interval:   cfg.DispatchInterval,
		GlobalCap:  cfg.DispatchSpawnCap,
		QueueLimit: cfg.GetQueueLimit,
		KnownKeys:  cfg.KnownQueueKeys,
	}

	slog.Info("dispatcher starting",
		slog.String("env", cfg.AppEnv),
		slog.Duration("interval", cfg.DispatchInterval),
		slog.Int("spawn_cap", cfg.DispatchSpawnCap))
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dispatcher stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("dispatcher shut down")
}
