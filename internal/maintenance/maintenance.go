// Package maintenance keeps the clone cache healthy in the background:
// a refresh task fetches new commits for every cached repository, and a
// prune task evicts entries that nothing has touched within the TTL.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/repoprobe/repoprobe/internal/repocache"
)

// CacheManager is the slice of the clone cache the runner operates on.
type CacheManager interface {
	Obtain(ctx context.Context, url string) (*repocache.Repo, error)
	List() ([]repocache.Repo, error)
	RemoveKey(ctx context.Context, key string) error
}

// Config configures the maintenance runner.
type Config struct {
	RefreshSchedule string        // Cron spec for the refresh task. Empty disables it.
	PruneSchedule   string        // Cron spec for the prune task. Empty disables it.
	TTL             time.Duration // Entries idle longer than this are pruned.
	MaxConcurrent   int           // Parallel refreshes. Default: 2.
}

func (c *Config) maxConcurrent() int {
	if c != nil && c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return 2
}

// Runner executes the refresh and prune tasks on their cron schedules.
type Runner struct {
	cache   CacheManager
	logger  *slog.Logger
	config  Config
	refresh cron.Schedule // nil = disabled
	prune   cron.Schedule // nil = disabled
}

// New creates a maintenance runner. Schedules are parsed eagerly so a bad
// spec fails at startup rather than at first fire.
func New(cache CacheManager, cfg Config, logger *slog.Logger) (*Runner, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	r := &Runner{
		cache:  cache,
		logger: logger,
		config: cfg,
	}

	if cfg.RefreshSchedule != "" {
		sched, err := parser.Parse(cfg.RefreshSchedule)
		if err != nil {
			return nil, err
		}
		r.refresh = sched
	}
	if cfg.PruneSchedule != "" {
		sched, err := parser.Parse(cfg.PruneSchedule)
		if err != nil {
			return nil, err
		}
		r.prune = sched
	}

	return r, nil
}

// Start begins the schedule loops. Returns a cancel function.
func (r *Runner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	if r.refresh != nil {
		go r.runSchedule(ctx, r.refresh, "refresh", r.RefreshAll)
	}
	if r.prune != nil {
		go r.runSchedule(ctx, r.prune, "prune", r.PruneStale)
	}

	r.logger.Info("maintenance runner started",
		slog.String("refresh", r.config.RefreshSchedule),
		slog.String("prune", r.config.PruneSchedule),
	)

	return cancel
}

func (r *Runner) runSchedule(ctx context.Context, sched cron.Schedule, name string, task func(context.Context)) {
	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("maintenance task stopped", slog.String("task", name))
			return
		case <-timer.C:
			start := time.Now()
			task(ctx)
			r.logger.Info("maintenance task finished",
				slog.String("task", name),
				slog.Duration("duration", time.Since(start)),
			)
		}
	}
}

// RefreshAll fetches new commits for every cached repository. Failures are
// logged and skipped; a broken remote must not starve the others.
func (r *Runner) RefreshAll(ctx context.Context) {
	repos, err := r.cache.List()
	if err != nil {
		r.logger.Error("listing cache for refresh", slog.String("error", err.Error()))
		return
	}

	sem := make(chan struct{}, r.config.maxConcurrent())
	var wg sync.WaitGroup

	for _, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		if repo.URL == "" {
			// Unreadable entry, nothing to fetch from. The prune task
			// removes these by key.
			continue
		}
		sem <- struct{}{}
		wg.Add(1)

		go func(url string) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := r.cache.Obtain(ctx, url); err != nil {
				r.logger.Warn("refresh failed",
					slog.String("repo_url", url),
					slog.String("error", err.Error()),
				)
			}
		}(repo.URL)
	}

	wg.Wait()
}

// PruneStale removes cache entries that have not been updated within the
// TTL. A zero TTL disables pruning entirely.
func (r *Runner) PruneStale(ctx context.Context) {
	if r.config.TTL <= 0 {
		return
	}

	repos, err := r.cache.List()
	if err != nil {
		r.logger.Error("listing cache for prune", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().Add(-r.config.TTL)
	for _, repo := range repos {
		if ctx.Err() != nil {
			return
		}
		if repo.UpdatedAt.After(cutoff) {
			continue
		}

		// Removal is key-addressed so entries whose origin URL can no
		// longer be read still get cleaned up.
		if err := r.cache.RemoveKey(ctx, repo.Key); err != nil {
			r.logger.Warn("prune failed",
				slog.String("key", repo.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Info("pruned stale clone",
			slog.String("repo_url", repo.URL),
			slog.String("key", repo.Key),
		)
	}
}
