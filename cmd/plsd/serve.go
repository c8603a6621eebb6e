package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/config"
	plshttp "github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/http"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the plsd daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx)
		},
	}
}

// runServe starts the daemon and blocks until ctx is cancelled.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting plsd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("policy_version", cfg.Policy.Version),
		zap.Bool("shadow_mode", cfg.Policy.ShadowMode),
		zap.String("sender", cfg.Sender.Mode))

	a, err := wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	}
	defer func() {
		sctx, cancel := shutdownCtx()
		defer cancel()
		a.close(sctx)
	}()

	opts := []plshttp.Option{
		plshttp.WithMetricsHandler(metricsHandler(a.store)),
		plshttp.WithHealthCheck("store", a.store.Ping),
		plshttp.WithSweeper(a.scheduler),
		plshttp.WithMeter(a.telemetry.Meter("plsd/http")),
	}
	if a.nats != nil {
		opts = append(opts, plshttp.WithHealthCheck("events", a.nats.Healthy))
	}
	srv, err := plshttp.NewServer(a.engine, logger.Underlying().Named("http"), &plshttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, opts...)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if cfg.Sweep.Enabled {
		if err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("starting decay scheduler: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "received shutdown signal")
	sctx, cancel := shutdownCtx()
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn(sctx, "http shutdown", zap.Error(err))
	}
	logger.Info(sctx, "plsd stopped")
	return nil
}

// metricsHandler serves runtime and catalog metrics in Prometheus format.
// Request and engine metrics are exported over OTLP.
func metricsHandler(st *store.Store) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		store.NewCollector(st),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
