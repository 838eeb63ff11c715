package observability

import (
	"context"
	"log/slog"
	"time"
)

// Each check gets its own timeout so a hung docker daemon cannot eat the
// budget of the cheap cache-directory check.
const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates health from the server's dependencies (container
// runtime, cache directory). Checks are registered at startup.
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if all checks pass; "degraded" if any fail. Per-check
// latency is reported so a slow container runtime shows up before it
// starts failing outright.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}

	for _, c := range h.checks {
		result := h.runCheck(ctx, c)
		if result.Status != "ok" {
			status.Status = "degraded"
		}
		status.Checks[c.Name] = result
	}

	return status
}

func (h *HealthChecker) runCheck(ctx context.Context, c HealthCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(checkCtx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Message: err.Error(), LatencyMS: latency}
	}
	return CheckResult{Status: "ok", LatencyMS: latency}
}
