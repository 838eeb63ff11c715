package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

const (
	// maxOutputBytes caps captured logs to prevent OOM from chatty tests.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultImage     = "bitnami/git:latest"
	defaultTimeout   = 10 * time.Minute
	defaultMemoryMB  = 512
	defaultCPUCores  = 0.5
	defaultPIDsLimit = 128
)

// DockerConfig configures the Docker-based bisect runner.
type DockerConfig struct {
	Image          string        // Container image; must carry git and a POSIX shell.
	DefaultTimeout time.Duration // Wall-clock budget per session.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit.
	User           string        // --user override. Empty = image default.
}

// DockerRunner executes bisect sessions inside ephemeral Docker containers.
//
// Security guarantees:
//   - Each session gets its own container (--rm, plus deferred docker rm -f safety net)
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Network always disabled (--network=none) — test commands cannot exfiltrate
//   - Read-only root filesystem; only /repo and a tmpfs /tmp are writable
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs, CPU rate limited
//   - Logs capped so a looping test cannot OOM the host
//   - Container always cleaned up, even on timeout/crash
//
// The user test command crosses exactly one shell boundary, single-quoted
// by buildBisectScript. The script itself is passed as a plain argv element
// to docker run, so no host shell ever parses it.
type DockerRunner struct {
	config DockerConfig
	logger *slog.Logger
}

var _ Runner = (*DockerRunner)(nil)

// NewDockerRunner creates a Docker-based bisect runner.
func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) *DockerRunner {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	return &DockerRunner{
		config: cfg,
		logger: logger,
	}
}

// Ping checks the Docker daemon is reachable.
func (r *DockerRunner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, bytes.TrimSpace(out))
	}
	return nil
}

// RunBisect runs one bisect session in an ephemeral hardened container.
func (r *DockerRunner) RunBisect(ctx context.Context, req BisectRequest) (*BisectResult, error) {
	if req.RepoDir == "" {
		return nil, fmt.Errorf("empty repository directory")
	}
	if req.TestCommand == "" {
		return nil, fmt.Errorf("empty test command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	script := buildBisectScript(req.BadCommit, req.GoodCommit, req.TestCommand)
	args := r.buildDockerArgs(containerName, req)
	args = append(args, "/bin/sh", "-c", script)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	// Bisect output interleaves git status lines with test output;
	// captured as one stream, the way git presents it on a terminal.
	var logBuf bytes.Buffer
	out := &limitedWriter{w: &logBuf, remaining: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	r.logger.Info("bisect sandbox starting",
		slog.String("container", containerName),
		slog.String("image", r.config.Image),
		slog.String("bad", req.BadCommit),
		slog.String("good", req.GoodCommit),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Safety net: force remove the container in case --rm didn't fire
	// (OOM kill, daemon restart, context cancel race).
	r.forceRemoveContainer(containerName)

	result := &BisectResult{
		Logs:     logBuf.String(),
		Duration: duration,
	}

	if runErr != nil {
		if ctx.Err() != nil {
			r.logger.Warn("bisect sandbox timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			result.TimedOut = true
			result.ExitCode = -1
			return result, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if commit, ok := parseFirstBadCommit(result.Logs); ok {
		result.IdentifiedCommit = commit
		result.Success = result.ExitCode == 0
	}

	r.logger.Info("bisect sandbox completed",
		slog.String("container", containerName),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("success", result.Success),
		slog.String("identified", result.IdentifiedCommit),
		slog.Duration("duration", duration),
		slog.Int("log_bytes", logBuf.Len()),
	)

	return result, nil
}

// buildDockerArgs constructs the docker run argument list with all
// hardening flags. The script itself is NOT included — caller appends it.
func (r *DockerRunner) buildDockerArgs(name string, req BisectRequest) []string {
	memoryMB := r.config.MemoryMB
	if req.Limits.MemoryMB > 0 {
		memoryMB = req.Limits.MemoryMB
	}
	cpuCores := r.config.CPUCores
	if req.Limits.CPUCores > 0 {
		cpuCores = req.Limits.CPUCores
	}
	pidsLimit := r.config.PIDsLimit
	if req.Limits.PIDsLimit > 0 {
		pidsLimit = req.Limits.PIDsLimit
	}

	memoryFlag := strconv.Itoa(memoryMB) + "m"

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--network=none",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // same as memory = swap disabled
		"--cpus=" + strconv.FormatFloat(cpuCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(pidsLimit),

		// --- Writable scratch space; git wants a writable HOME ---
		"--tmpfs", "/tmp:rw,nosuid,size=64m",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin:/opt/bitnami/git/bin",
		"--env", "GIT_TERMINAL_PROMPT=0",
		"--env", "TERM=dumb",

		// --- The repository under test, writable: bisect rewrites it ---
		"--volume", req.RepoDir + ":/repo:rw",
		"--workdir", "/repo",
	}

	if r.config.User != "" {
		args = append(args, "--user="+r.config.User)
	}

	args = append(args, r.config.Image)
	return args
}

// forceRemoveContainer attempts to remove a container by name.
// Errors are logged but not returned (best-effort cleanup).
func (r *DockerRunner) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			r.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique name: repoprobe-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "repoprobe-sbx-" + hex.EncodeToString(b), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		n, err := lw.w.Write(p[:lw.remaining])
		lw.remaining -= n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
