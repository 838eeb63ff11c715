package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repoprobe/repoprobe/internal/repocache"
	"github.com/repoprobe/repoprobe/internal/sandbox"
	"github.com/repoprobe/repoprobe/internal/validate"
)

var (
	// ErrQueueFull is returned by Submit when the worker queue is at
	// capacity. Callers should surface backpressure, not retry in a loop.
	ErrQueueFull = errors.New("job queue full")

	// ErrInvalidRequest wraps submission rejections that are not URL or
	// commit validation failures.
	ErrInvalidRequest = errors.New("invalid bisection request")
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64

	// defaultSandboxTimeout bounds one sandbox session; the job deadline
	// adds a grace period on top for cloning and cleanup.
	defaultSandboxTimeout = 10 * time.Minute
	jobTimeoutGrace       = time.Minute

	maxTestCommandLen = 4096
)

// RepoCache is the slice of the clone cache the engine needs.
type RepoCache interface {
	Obtain(ctx context.Context, url string) (*repocache.Repo, error)
}

// URLChecker validates submitted repository URLs.
type URLChecker interface {
	ValidateURL(raw string) (*validate.SafeURL, error)
}

// MetricsRecorder receives job lifecycle transitions and submission
// rejections. Optional.
type MetricsRecorder interface {
	JobStarted()
	JobFinished(status Status)
	ValidationRejected(check string)
}

// Options configures an Engine.
type Options struct {
	Store     Store
	Cache     RepoCache
	Runner    sandbox.Runner
	Validator URLChecker
	Logger    *slog.Logger
	Metrics   MetricsRecorder

	Workers   int
	QueueSize int

	// SandboxTimeout bounds one sandbox session. The whole job gets this
	// plus a fixed grace period before it is abandoned.
	SandboxTimeout time.Duration
}

// Engine validates submissions, runs them on a bounded worker pool, and
// publishes progress to subscribers.
type Engine struct {
	store     Store
	cache     RepoCache
	runner    sandbox.Runner
	validator URLChecker
	logger    *slog.Logger
	metrics   MetricsRecorder

	sandboxTimeout time.Duration
	jobTimeout     time.Duration

	queue  chan uuid.UUID
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	subMu  sync.Mutex
	subSeq int
	subs   map[uuid.UUID]map[int]chan Update
}

// NewEngine creates an Engine. Call Start before submitting.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Cache == nil || opts.Runner == nil || opts.Validator == nil {
		return nil, errors.New("jobs: store, cache, runner and validator are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sandboxTimeout := opts.SandboxTimeout
	if sandboxTimeout <= 0 {
		sandboxTimeout = defaultSandboxTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:          opts.Store,
		cache:          opts.Cache,
		runner:         opts.Runner,
		validator:      opts.Validator,
		logger:         logger,
		metrics:        opts.Metrics,
		sandboxTimeout: sandboxTimeout,
		jobTimeout:     sandboxTimeout + jobTimeoutGrace,
		queue:          make(chan uuid.UUID, queueSize),
		ctx:            ctx,
		cancel:         cancel,
		subs:           make(map[uuid.UUID]map[int]chan Update),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e, nil
}

// Shutdown stops accepting work and waits for in-flight jobs, up to ctx's
// deadline. Queued jobs that never started stay pending in the store.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates req and enqueues it. The returned job is in
// StatusPending; the work happens on the pool.
func (e *Engine) Submit(ctx context.Context, req Request) (*Job, error) {
	if _, err := e.validator.ValidateURL(req.RepoURL); err != nil {
		e.rejected("url")
		return nil, err
	}
	if _, err := validate.ValidateCommit(req.BadCommit); err != nil {
		e.rejected("commit")
		return nil, fmt.Errorf("bad commit: %w", err)
	}
	if _, err := validate.ValidateCommit(req.GoodCommit); err != nil {
		e.rejected("commit")
		return nil, fmt.Errorf("good commit: %w", err)
	}
	if req.TestCommand == "" {
		e.rejected("request")
		return nil, fmt.Errorf("%w: test command must not be empty", ErrInvalidRequest)
	}
	if len(req.TestCommand) > maxTestCommandLen {
		e.rejected("request")
		return nil, fmt.Errorf("%w: test command longer than %d bytes", ErrInvalidRequest, maxTestCommandLen)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New(),
		Request:   req,
		Status:    StatusPending,
		Progress:  "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, job); err != nil {
		return nil, err
	}

	select {
	case e.queue <- job.ID:
	default:
		if err := e.store.Delete(ctx, job.ID); err != nil {
			e.logger.Warn("removing unqueued job", "job_id", job.ID, "error", err)
		}
		return nil, ErrQueueFull
	}

	e.logger.Info("bisection job accepted",
		slog.String("job_id", job.ID.String()),
		slog.String("repo_url", req.RepoURL),
		slog.String("bad", req.BadCommit),
		slog.String("good", req.GoodCommit),
	)
	cp := *job
	return &cp, nil
}

func (e *Engine) rejected(check string) {
	if e.metrics != nil {
		e.metrics.ValidationRejected(check)
	}
}

// Get returns a copy of the job record.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return e.store.Get(ctx, id)
}

// List returns all jobs ordered by creation time.
func (e *Engine) List(ctx context.Context) ([]Job, error) {
	return e.store.List(ctx)
}

// Subscribe returns a channel of progress updates for a job plus a cancel
// func. The channel closes after the terminal update (immediately, for a
// job that already finished). Slow consumers lose intermediate updates
// rather than stalling the engine.
func (e *Engine) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Update, func(), error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Update, 16)
	if job.Status.Terminal() {
		ch <- Update{JobID: id, Status: job.Status, Progress: job.Progress, At: job.UpdatedAt}
		close(ch)
		return ch, func() {}, nil
	}

	e.subMu.Lock()
	e.subSeq++
	key := e.subSeq
	if e.subs[id] == nil {
		e.subs[id] = make(map[int]chan Update)
	}
	e.subs[id][key] = ch
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		if set, ok := e.subs[id]; ok {
			if _, live := set[key]; live {
				delete(set, key)
				close(ch)
			}
			if len(set) == 0 {
				delete(e.subs, id)
			}
		}
		e.subMu.Unlock()
	}
	return ch, cancel, nil
}

func (e *Engine) publish(job *Job) {
	update := Update{JobID: job.ID, Status: job.Status, Progress: job.Progress, At: time.Now().UTC()}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs[job.ID] {
		select {
		case ch <- update:
		default:
		}
	}
	if job.Status.Terminal() {
		for _, ch := range e.subs[job.ID] {
			close(ch)
		}
		delete(e.subs, job.ID)
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			e.process(id)
		}
	}
}

func (e *Engine) process(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(e.ctx, e.jobTimeout)
	defer cancel()

	job, err := e.store.Get(ctx, id)
	if err != nil {
		e.logger.Error("dequeued unknown job", "job_id", id, "error", err)
		return
	}

	logger := e.logger.With(slog.String("job_id", id.String()))
	started := time.Now().UTC()
	job.StartedAt = &started
	if e.metrics != nil {
		e.metrics.JobStarted()
		defer func() { e.metrics.JobFinished(job.Status) }()
	}

	e.transition(ctx, job, StatusCloning, "cloning or updating repository")
	repo, err := e.cache.Obtain(ctx, job.Request.RepoURL)
	if err != nil {
		logger.Error("repository unavailable", "error", err)
		e.finish(ctx, job, StatusErrored, "", fmt.Sprintf("obtaining repository: %v", err))
		return
	}

	e.transition(ctx, job, StatusBisecting, "running bisect in sandbox")
	result, err := e.runner.RunBisect(ctx, sandbox.BisectRequest{
		RepoDir:     repo.Dir,
		TestCommand: job.Request.TestCommand,
		BadCommit:   job.Request.BadCommit,
		GoodCommit:  job.Request.GoodCommit,
		Timeout:     e.sandboxTimeout,
	})
	if err != nil {
		logger.Error("sandbox session failed to run", "error", err)
		e.finish(ctx, job, StatusErrored, "", fmt.Sprintf("running sandbox: %v", err))
		return
	}

	job.Logs = result.Logs
	switch {
	case result.TimedOut:
		logger.Warn("bisect timed out", slog.Duration("duration", result.Duration))
		e.finish(ctx, job, StatusFailed, "", fmt.Sprintf("bisect timed out after %s", result.Duration.Round(time.Second)))
	case result.Success:
		logger.Info("bisect completed",
			slog.String("identified", result.IdentifiedCommit),
			slog.Duration("duration", result.Duration),
		)
		e.finish(ctx, job, StatusCompleted, result.IdentifiedCommit, "")
	default:
		logger.Warn("bisect failed", slog.Int("exit_code", result.ExitCode))
		e.finish(ctx, job, StatusFailed, "", fmt.Sprintf("bisect exited with code %d without a verdict", result.ExitCode))
	}
}

func (e *Engine) transition(ctx context.Context, job *Job, status Status, progress string) {
	job.Status = status
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	if err := e.store.Update(ctx, job); err != nil {
		e.logger.Warn("persisting job transition", "job_id", job.ID, "error", err)
	}
	e.publish(job)
}

func (e *Engine) finish(ctx context.Context, job *Job, status Status, identified, errMsg string) {
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.IdentifiedCommit = identified
	job.Error = errMsg
	progress := "finished"
	if errMsg != "" {
		progress = errMsg
	}
	e.transition(ctx, job, status, progress)
}
