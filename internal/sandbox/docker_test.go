package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// testImage is the Docker image used for integration tests.
const testImage = "bitnami/git:latest"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the runtime image isn't pulled.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (docker pull %s)", testImage, testImage)
	}
}

func newTestRunner(t *testing.T) *DockerRunner {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewDockerRunner(DockerConfig{
		Image:          testImage,
		DefaultTimeout: 2 * time.Minute,
		MemoryMB:       256,
		CPUCores:       1,
		PIDsLimit:      128,
	}, logger)
}

// initBisectFixture builds a repository where "broken.txt" appears at a
// known commit. Returns the repo dir, the first (good) commit, the HEAD
// (bad) commit, and the commit that introduced the file.
func initBisectFixture(t *testing.T) (dir string, good, bad, culprit plumbing.Hash) {
	t.Helper()
	dir = t.TempDir()
	// World-writable so the container user can update .git during bisect.
	if err := os.Chmod(dir, 0o777); err != nil {
		t.Fatal(err)
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}

	commit := func(name, content, msg string) plumbing.Hash {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o666); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatal(err)
		}
		h, err := wt.Commit(msg, &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
		})
		if err != nil {
			t.Fatal(err)
		}
		return h
	}

	good = commit("main.txt", "v1\n", "initial")
	commit("main.txt", "v2\n", "still fine")
	culprit = commit("broken.txt", "regression\n", "introduce regression")
	bad = commit("main.txt", "v3\n", "unrelated followup")
	return dir, good, bad, culprit
}

func TestDockerRunner_IdentifiesFirstBadCommit(t *testing.T) {
	r := newTestRunner(t)
	dir, good, bad, culprit := initBisectFixture(t)

	result, err := r.RunBisect(context.Background(), BisectRequest{
		RepoDir:     dir,
		TestCommand: "test ! -f broken.txt",
		BadCommit:   bad.String(),
		GoodCommit:  good.String(),
	})
	if err != nil {
		t.Fatalf("RunBisect: %v", err)
	}
	if result.TimedOut {
		t.Fatal("unexpected timeout")
	}
	if !result.Success {
		t.Fatalf("bisect did not succeed, exit=%d logs:\n%s", result.ExitCode, result.Logs)
	}
	if result.IdentifiedCommit != culprit.String() {
		t.Errorf("identified %q, want %q\nlogs:\n%s", result.IdentifiedCommit, culprit, result.Logs)
	}
}

func TestDockerRunner_FailingSessionHasNoCommit(t *testing.T) {
	r := newTestRunner(t)
	dir, _, bad, _ := initBisectFixture(t)

	// An unknown revision makes the session fail without a verdict.
	result, err := r.RunBisect(context.Background(), BisectRequest{
		RepoDir:     dir,
		TestCommand: "true",
		BadCommit:   bad.String(),
		GoodCommit:  "0000000000000000000000000000000000000001",
	})
	if err != nil {
		t.Fatalf("RunBisect: %v", err)
	}
	if result.Success {
		t.Error("session with bogus revision reported success")
	}
	if result.IdentifiedCommit != "" {
		t.Errorf("identified %q from a failed session", result.IdentifiedCommit)
	}
}

func TestDockerRunner_Timeout(t *testing.T) {
	r := newTestRunner(t)
	dir, good, bad, _ := initBisectFixture(t)

	result, err := r.RunBisect(context.Background(), BisectRequest{
		RepoDir:     dir,
		TestCommand: "sleep 600",
		BadCommit:   bad.String(),
		GoodCommit:  good.String(),
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("RunBisect: %v", err)
	}
	if !result.TimedOut {
		t.Error("TimedOut = false after wall-clock overrun")
	}
	if result.Success {
		t.Error("timed-out session reported success")
	}
}

func TestDockerRunner_ContainerCleanup(t *testing.T) {
	r := newTestRunner(t)
	dir, good, bad, _ := initBisectFixture(t)

	if _, err := r.RunBisect(context.Background(), BisectRequest{
		RepoDir:     dir,
		TestCommand: "test ! -f broken.txt",
		BadCommit:   bad.String(),
		GoodCommit:  good.String(),
	}); err != nil {
		t.Fatalf("RunBisect: %v", err)
	}

	out, err := exec.Command("docker", "ps", "-a", "--filter", "name=repoprobe-sbx", "--format", "{{.Names}}").Output()
	if err != nil {
		t.Fatalf("docker ps failed: %v", err)
	}
	if names := strings.TrimSpace(string(out)); names != "" {
		t.Errorf("found leftover containers: %s", names)
	}
}

func TestDockerRunner_Ping(t *testing.T) {
	skipIfNoDocker(t)
	r := NewDockerRunner(DockerConfig{}, discardLogger())
	if err := r.Ping(context.Background()); err != nil {
		t.Errorf("Ping with docker available: %v", err)
	}
}

func TestDockerRunner_EmptyRequest(t *testing.T) {
	r := NewDockerRunner(DockerConfig{}, discardLogger())
	if _, err := r.RunBisect(context.Background(), BisectRequest{TestCommand: "true"}); err == nil {
		t.Error("empty repo dir accepted")
	}
	if _, err := r.RunBisect(context.Background(), BisectRequest{RepoDir: "/x"}); err == nil {
		t.Error("empty test command accepted")
	}
}
