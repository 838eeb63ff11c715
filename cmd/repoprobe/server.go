package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repoprobe/repoprobe/internal/config"
	"github.com/repoprobe/repoprobe/internal/gateway"
	"github.com/repoprobe/repoprobe/internal/gateway/httpapi"
	"github.com/repoprobe/repoprobe/internal/maintenance"
	"github.com/repoprobe/repoprobe/internal/ratelimit"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `repoprobe --config path` and `repoprobe serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger.Info("starting in server mode", slog.String("addr", cfg.Server.ListenAddr()))

	c, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background cache maintenance (optional).
	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		runner, err := maintenance.New(c.Cache, maintenance.Config{
			RefreshSchedule: cfg.Maintenance.Refresh(),
			PruneSchedule:   cfg.Maintenance.Prune(),
			TTL:             cfg.Clone.TTL(),
		}, logger)
		if err != nil {
			return err
		}
		cancelMaintenance := runner.Start(ctx)
		defer cancelMaintenance()
	}

	// Per-client rate limiting (optional).
	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RPM(),
			BurstSize:         cfg.RateLimit.BurstSize(),
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.ListenAddr(),
		EnableDocs: cfg.Server.EnableDocs,
		AuthToken:  cfg.Server.AuthToken,
	}
	if metrics := c.Obs.MetricsOrNil(); metrics != nil {
		gwCfg.MetricsRegistry = metrics.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		gwCfg.Metrics = metrics
	}
	if ts := c.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}
	if c.Obs != nil {
		gwCfg.HealthChecker = c.Obs.Health
	}

	var gw gateway.Gateway = httpapi.NewGateway(gwCfg, c.Engine, c.Validator, limiter, logger).
		WithRepoCache(c.Cache)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping server", slog.String("error", err.Error()))
	}
	c.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}
