package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/repoprobe/repoprobe/internal/jobs"
	"github.com/repoprobe/repoprobe/internal/repocache"
	"github.com/repoprobe/repoprobe/internal/sandbox"
)

// --- InstrumentedCache ---

// InstrumentedCache wraps a clone cache with metrics and tracing.
type InstrumentedCache struct {
	inner   jobs.RepoCache
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedCache wraps a clone cache with observability.
func NewInstrumentedCache(inner jobs.RepoCache, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedCache {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedCache{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (c *InstrumentedCache) Obtain(ctx context.Context, url string) (*repocache.Repo, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "cache.obtain",
			trace.WithAttributes(
				attribute.String("repo.key", repocache.Key(url)),
			))
		defer span.End()
	}

	start := time.Now()
	repo, err := c.inner.Obtain(ctx, url)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if c.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if c.metrics != nil {
		c.metrics.CacheOpsTotal.WithLabelValues("obtain", status).Inc()
		c.metrics.CacheOpDuration.WithLabelValues("obtain").Observe(duration)
	}

	return repo, err
}

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics and tracing.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps a bisect runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (r *InstrumentedRunner) RunBisect(ctx context.Context, req sandbox.BisectRequest) (*sandbox.BisectResult, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "sandbox.bisect",
			trace.WithAttributes(
				attribute.String("bisect.bad", req.BadCommit),
				attribute.String("bisect.good", req.GoodCommit),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.RunBisect(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result.TimedOut:
		status = "timeout"
	case !result.Success:
		status = "failed"
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if r.metrics != nil {
		r.metrics.SandboxSessionsTotal.WithLabelValues(status).Inc()
		r.metrics.SandboxSessionDuration.Observe(duration)
	}

	return result, err
}

func (r *InstrumentedRunner) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}

// --- JobsRecorder ---

// JobsRecorder feeds job lifecycle transitions into the metrics collector.
type JobsRecorder struct {
	metrics *MetricsCollector
}

// NewJobsRecorder creates a recorder for the job engine.
func NewJobsRecorder(metrics *MetricsCollector) *JobsRecorder {
	return &JobsRecorder{metrics: metrics}
}

func (j *JobsRecorder) JobStarted() {
	if j == nil || j.metrics == nil {
		return
	}
	j.metrics.JobsActive.Inc()
}

func (j *JobsRecorder) JobFinished(status jobs.Status) {
	if j == nil || j.metrics == nil {
		return
	}
	j.metrics.JobsActive.Dec()
	j.metrics.JobsTotal.WithLabelValues(string(status)).Inc()
}

func (j *JobsRecorder) ValidationRejected(check string) {
	if j == nil || j.metrics == nil {
		return
	}
	j.metrics.ValidationRejectionsTotal.WithLabelValues(check).Inc()
}

// --- Compile-time interface checks ---

var (
	_ jobs.RepoCache       = (*InstrumentedCache)(nil)
	_ sandbox.Runner       = (*InstrumentedRunner)(nil)
	_ jobs.MetricsRecorder = (*JobsRecorder)(nil)
)
