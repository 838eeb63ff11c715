// Package httpapi implements the HTTP API for the bisect server.
//
// Security:
//   - Bearer token authentication on /v1 routes (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All submissions pass URL and commit validation before any work starts
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"
	"github.com/repoprobe/repoprobe/internal/gateway"
	"github.com/repoprobe/repoprobe/internal/jobs"
	"github.com/repoprobe/repoprobe/internal/observability"
	"github.com/repoprobe/repoprobe/internal/ratelimit"
	"github.com/repoprobe/repoprobe/internal/repocache"
	"github.com/repoprobe/repoprobe/internal/validate"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// BisectService is the slice of the job engine the gateway serves.
type BisectService interface {
	Submit(ctx context.Context, req jobs.Request) (*jobs.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	List(ctx context.Context) ([]jobs.Job, error)
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan jobs.Update, func(), error)
}

// RepoService is the slice of the clone cache the gateway serves.
type RepoService interface {
	Obtain(ctx context.Context, url string) (*repocache.Repo, error)
	List() ([]repocache.Repo, error)
}

// URLChecker validates repository URLs on the repo management routes.
type URLChecker interface {
	ValidateURL(raw string) (*validate.SafeURL, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool

	// AuthToken is the bearer token required on /v1 routes. Empty disables
	// authentication (local development only).
	AuthToken string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

var _ gateway.Gateway = (*Gateway)(nil)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	engine    BisectService
	repos     RepoService // nil = repo management routes disabled.
	validator URLChecker
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server
	okapi     *okapi.Okapi
	group     *okapi.Group
}

// NewGateway creates an HTTP API gateway serving the given job engine.
func NewGateway(cfg Config, engine BisectService, validator URLChecker, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:    cfg,
		engine:    engine,
		validator: validator,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithRepoCache attaches clone cache management routes to the gateway.
func (g *Gateway) WithRepoCache(repos RepoService) *Gateway {
	g.repos = repos
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "RepoProbe",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/bisect", g.handleBisectSubmit,
		okapi.DocSummary("Submit a bisection job"),
		okapi.DocTags("Bisect"),
		okapi.DocRequestBody(BisectSubmitRequest{}),
		okapi.DocResponse(http.StatusAccepted, JobResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Get("/bisect", g.handleBisectList,
		okapi.DocSummary("List bisection jobs"),
		okapi.DocTags("Bisect"),
		okapi.DocResponse([]JobResponse{}),
	)
	g.group.Get("/bisect/{id}", g.handleBisectStatus,
		okapi.DocSummary("Get bisection job status"),
		okapi.DocTags("Bisect"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(JobResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Repo cache endpoints (only if the cache is attached).
	if g.repos != nil {
		g.group.Post("/repos", g.handleRepoRefresh,
			okapi.DocSummary("Clone or refresh a repository in the cache"),
			okapi.DocTags("Repos"),
			okapi.DocRequestBody(RepoRefreshRequest{}),
			okapi.DocResponse(RepoResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)
		g.group.Get("/repos", g.handleRepoList,
			okapi.DocSummary("List cached repositories"),
			okapi.DocTags("Repos"),
			okapi.DocResponse([]RepoResponse{}),
		)
	}

	// WebSocket progress stream. Mounted as a raw handler; auth happens
	// inside before the upgrade.
	g.okapi.HandleStd("GET", "/v1/bisect/{id}/events", g.handleEvents)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// BisectSubmitRequest is the JSON body for POST /v1/bisect.
type BisectSubmitRequest struct {
	RepoURL     string `json:"repo_url"`
	TestCommand string `json:"test_command"`
	BadCommit   string `json:"bad_commit"`
	GoodCommit  string `json:"good_commit"`
}

// JobResponse is the JSON representation of a bisection job.
type JobResponse struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	RepoURL          string     `json:"repo_url"`
	TestCommand      string     `json:"test_command"`
	BadCommit        string     `json:"bad_commit"`
	GoodCommit       string     `json:"good_commit"`
	Progress         string     `json:"progress,omitempty"`
	IdentifiedCommit string     `json:"identified_commit,omitempty"`
	Error            string     `json:"error,omitempty"`
	Logs             string     `json:"logs,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// jobResponse maps a job record to its API shape. Logs are only included
// when withLogs is set; they can run to a megabyte and the list endpoint
// does not need them.
func jobResponse(j *jobs.Job, withLogs bool) JobResponse {
	resp := JobResponse{
		ID:               j.ID.String(),
		Status:           string(j.Status),
		RepoURL:          j.Request.RepoURL,
		TestCommand:      j.Request.TestCommand,
		BadCommit:        j.Request.BadCommit,
		GoodCommit:       j.Request.GoodCommit,
		Progress:         j.Progress,
		IdentifiedCommit: j.IdentifiedCommit,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
	if withLogs {
		resp.Logs = j.Logs
	}
	return resp
}

func (g *Gateway) handleBisectSubmit(c *okapi.Context) error {
	if g.limiter != nil {
		if err := g.limiter.Allow(clientKey(c)); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req BisectSubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	job, err := g.engine.Submit(c.Context(), jobs.Request{
		RepoURL:     req.RepoURL,
		TestCommand: req.TestCommand,
		BadCommit:   req.BadCommit,
		GoodCommit:  req.GoodCommit,
	})
	if err != nil {
		switch {
		case errors.Is(err, validate.ErrInvalidURL),
			errors.Is(err, validate.ErrInvalidCommit),
			errors.Is(err, jobs.ErrInvalidRequest):
			return c.AbortBadRequest(err.Error())
		case errors.Is(err, jobs.ErrQueueFull):
			return c.AbortServiceUnavailable("job queue full, retry later")
		default:
			g.logger.Error("bisect submission failed", slog.String("error", err.Error()))
			return c.AbortInternalServerError("submission failed")
		}
	}

	g.logger.Info("bisect job accepted",
		slog.String("job_id", job.ID.String()),
		slog.String("repo_url", job.Request.RepoURL),
	)

	return c.JSON(http.StatusAccepted, jobResponse(job, false))
}

func (g *Gateway) handleBisectStatus(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid job ID")
	}

	job, err := g.engine.Get(c.Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "job not found"})
	}

	return c.OK(jobResponse(job, true))
}

func (g *Gateway) handleBisectList(c *okapi.Context) error {
	list, err := g.engine.List(c.Context())
	if err != nil {
		return c.AbortInternalServerError("listing jobs failed")
	}

	resp := make([]JobResponse, len(list))
	for i := range list {
		resp[i] = jobResponse(&list[i], false)
	}
	return c.OK(resp)
}

// RepoRefreshRequest is the JSON body for POST /v1/repos.
type RepoRefreshRequest struct {
	RepoURL string `json:"repo_url"`
}

// RepoResponse is a single cached clone.
type RepoResponse struct {
	RepoURL   string    `json:"repo_url"`
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (g *Gateway) handleRepoRefresh(c *okapi.Context) error {
	if g.limiter != nil {
		if err := g.limiter.Allow(clientKey(c)); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req RepoRefreshRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if g.validator != nil {
		if _, err := g.validator.ValidateURL(req.RepoURL); err != nil {
			return c.AbortBadRequest(err.Error())
		}
	}

	repo, err := g.repos.Obtain(c.Context(), req.RepoURL)
	if err != nil {
		g.logger.Error("repo refresh failed",
			slog.String("repo_url", req.RepoURL),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, okapi.M{"error": "clone or fetch failed"})
	}

	return c.OK(RepoResponse{RepoURL: repo.URL, Key: repo.Key, UpdatedAt: repo.UpdatedAt})
}

func (g *Gateway) handleRepoList(c *okapi.Context) error {
	repos, err := g.repos.List()
	if err != nil {
		return c.AbortInternalServerError("listing cache failed")
	}

	resp := make([]RepoResponse, len(repos))
	for i, r := range repos {
		resp[i] = RepoResponse{RepoURL: r.URL, Key: r.Key, UpdatedAt: r.UpdatedAt}
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token on /v1 routes. An empty configured
// token disables the check.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.AuthToken == "" {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
			return c.AbortUnauthorized("invalid token")
		}
		return next(c)
	}
}

// checkToken applies the same bearer check to a raw HTTP request, accepting
// the token via header or query parameter for WebSocket clients.
func (g *Gateway) checkToken(r *http.Request) bool {
	if g.config.AuthToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) == 1
}

// --- Helpers ---

// clientKey identifies the caller for rate limiting. With a shared bearer
// token the remote address is the only distinguishing signal.
func clientKey(c *okapi.Context) string {
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		return c.Request().RemoteAddr
	}
	return host
}
