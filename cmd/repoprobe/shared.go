package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/repoprobe/repoprobe/internal/config"
	"github.com/repoprobe/repoprobe/internal/jobs"
	"github.com/repoprobe/repoprobe/internal/observability"
	"github.com/repoprobe/repoprobe/internal/repocache"
	"github.com/repoprobe/repoprobe/internal/sandbox"
	"github.com/repoprobe/repoprobe/internal/validate"
)

// core holds the wired components shared by every command.
type core struct {
	Config    *config.Config
	Obs       *observability.Observability // nil = observability disabled
	Validator *validate.URLValidator
	Cache     *repocache.Manager
	Runner    sandbox.Runner
	Engine    *jobs.Engine
	Logger    *slog.Logger
}

func newLogger() *slog.Logger {
	// Logs go to stderr: stdout belongs to command output (and to the MCP
	// protocol in mcp mode).
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// loadConfig reads the config file from the flag path (REPOPROBE_CONFIG
// overrides it). A missing file at the default location is not an error;
// built-in defaults apply.
func loadConfig(flagPath string) (*config.Config, error) {
	path := goutils.Env("REPOPROBE_CONFIG", flagPath)

	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildCore wires validation, the clone cache, the sandbox runner, and the
// job engine, with observability instrumentation when enabled.
func buildCore(cfg *config.Config, logger *slog.Logger) (*core, error) {
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}

	validator := validate.NewURLValidator(cfg.Validation.Hosts())

	cache, err := repocache.NewManager(repocache.Options{
		CacheDir: cfg.CacheDir,
		Depth:    cfg.Clone.Depth,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	runner := sandbox.NewDockerRunner(sandbox.DockerConfig{
		Image:          cfg.Sandbox.Image,
		DefaultTimeout: cfg.Sandbox.Timeout(),
		MemoryMB:       cfg.Sandbox.MemoryMB,
		CPUCores:       cfg.Sandbox.CPUCores,
		PIDsLimit:      cfg.Sandbox.PIDsLimit,
		User:           cfg.Sandbox.User,
	}, logger)

	// Instrumented wrappers are drop-in replacements; the engine never
	// knows whether it is being measured.
	var engineCache jobs.RepoCache = cache
	var engineRunner sandbox.Runner = runner
	var recorder jobs.MetricsRecorder
	if metrics := obs.MetricsOrNil(); metrics != nil {
		engineCache = observability.NewInstrumentedCache(cache, metrics, obs.TracerOrNil())
		engineRunner = observability.NewInstrumentedRunner(runner, metrics, obs.TracerOrNil())
		recorder = observability.NewJobsRecorder(metrics)
	}

	engine, err := jobs.NewEngine(jobs.Options{
		Store:          jobs.NewInMemoryStore(),
		Cache:          engineCache,
		Runner:         engineRunner,
		Validator:      validator,
		Logger:         logger,
		Metrics:        recorder,
		Workers:        cfg.Jobs.WorkerCount(),
		QueueSize:      cfg.Jobs.Queue(),
		SandboxTimeout: cfg.Sandbox.Timeout(),
	})
	if err != nil {
		return nil, err
	}

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("docker", runner.Ping)
		obs.Health.AddCheck("cache_dir", func(_ context.Context) error {
			_, statErr := os.Stat(cfg.CacheDir)
			return statErr
		})
	}

	return &core{
		Config:    cfg,
		Obs:       obs,
		Validator: validator,
		Cache:     cache,
		Runner:    runner,
		Engine:    engine,
		Logger:    logger,
	}, nil
}

// Shutdown drains the engine and flushes telemetry.
func (c *core) Shutdown(ctx context.Context) {
	if err := c.Engine.Shutdown(ctx); err != nil {
		c.Logger.Error("engine shutdown", slog.String("error", err.Error()))
	}
	c.Obs.Shutdown(ctx)
}
