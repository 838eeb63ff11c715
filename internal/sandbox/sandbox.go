// Package sandbox runs git bisect sessions inside isolated containers.
// Arbitrary user test commands execute in here — never on the host.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the container runtime cannot be reached.
// Callers should surface this as a configuration problem, not a job failure.
var ErrUnavailable = errors.New("container runtime unavailable")

// Runner executes bisect sessions in an isolated environment.
type Runner interface {
	// RunBisect bisects the repository at req.RepoDir between the good and
	// bad commits, running req.TestCommand at each step. A non-zero bisect
	// exit or a timeout is reported in the result, not as an error; errors
	// mean the session could not run at all.
	RunBisect(ctx context.Context, req BisectRequest) (*BisectResult, error)

	// Ping verifies the runtime is reachable. Returns ErrUnavailable
	// (wrapped) when it is not.
	Ping(ctx context.Context) error
}

// BisectRequest defines one bisect session.
type BisectRequest struct {
	// RepoDir is the host path of the clone to bisect. It is bind-mounted
	// writable because bisect rewrites the working tree and .git state.
	RepoDir string

	// TestCommand is the user-supplied shell command that exits 0 on a good
	// commit and non-zero on a bad one. It is quoted before it ever reaches
	// a shell; callers must still validate the commits it runs against.
	TestCommand string

	BadCommit  string
	GoodCommit string

	// Timeout overrides the runner default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use runner defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the bisect container.
type ResourceLimits struct {
	MemoryMB  int     // --memory hard limit.
	CPUCores  float64 // --cpus rate limit.
	PIDsLimit int     // --pids-limit (prevents fork bombs).
}

// BisectResult captures the outcome of a bisect session.
type BisectResult struct {
	// Success is true when the session completed and git identified a
	// first bad commit.
	Success bool

	// ExitCode is the container's exit code, or -1 when it was killed by
	// the timeout.
	ExitCode int

	// Logs holds combined stdout/stderr, capped to maxOutputBytes.
	Logs string

	// IdentifiedCommit is the first bad commit hash parsed from the logs;
	// empty when none was reported.
	IdentifiedCommit string

	// TimedOut is true when the session exceeded its wall-clock budget.
	// Logs captured before the kill are preserved.
	TimedOut bool

	Duration time.Duration
}
