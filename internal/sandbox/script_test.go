package sandbox

import (
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "''"},
		{"make test", "'make test'"},
		{"echo $HOME", "'echo $HOME'"},
		{"a;rm -rf /", "'a;rm -rf /'"},
		{"it's fine", `'it'\''s fine'`},
		{"`id`", "'`id`'"},
	}
	for _, tc := range tests {
		if got := shellQuote(tc.in); got != tc.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestBuildBisectScript(t *testing.T) {
	script := buildBisectScript("abc123", "def456", "npm test; rm -rf /")

	for _, want := range []string{
		"git bisect start",
		"git bisect bad abc123",
		"git bisect good def456",
		"git bisect run /bin/sh -c 'npm test; rm -rf /'",
		"exit $status",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}

	// The injection attempt must appear only inside the quoted word, never
	// as a bare command line of its own.
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "rm ") {
			t.Errorf("unquoted command leaked into script: %q", line)
		}
	}
}

func TestBuildBisectScriptQuoteBreakout(t *testing.T) {
	// A test command that tries to close the single quote and start a new
	// command must come out as a single shell word.
	script := buildBisectScript("bad", "good", "true' ; touch /pwned ; '")

	if !strings.Contains(script, `'true'\'' ; touch /pwned ; '\'''`) {
		t.Errorf("breakout not neutralized:\n%s", script)
	}
}

func TestParseFirstBadCommit(t *testing.T) {
	logs := `Bisecting: 2 revisions left to test after this (roughly 1 step)
running /bin/sh -c make test
3f2a9c1d7e5b4a6f8c0d1e2f3a4b5c6d7e8f9a0b is the first bad commit
commit 3f2a9c1d7e5b4a6f8c0d1e2f3a4b5c6d7e8f9a0b
Author: Someone <someone@example.com>`

	commit, ok := parseFirstBadCommit(logs)
	if !ok {
		t.Fatal("no commit parsed")
	}
	if commit != "3f2a9c1d7e5b4a6f8c0d1e2f3a4b5c6d7e8f9a0b" {
		t.Errorf("commit = %q", commit)
	}
}

func TestParseFirstBadCommitAbbreviated(t *testing.T) {
	commit, ok := parseFirstBadCommit("deadbeef is the first bad commit\n")
	if !ok || commit != "deadbeef" {
		t.Errorf("got (%q, %v), want (deadbeef, true)", commit, ok)
	}
}

func TestParseFirstBadCommitAbsent(t *testing.T) {
	for _, logs := range []string{
		"",
		"Bisecting: a merge base must be tested\nsome test output\n",
		"error: unknown revision",
	} {
		if commit, ok := parseFirstBadCommit(logs); ok {
			t.Errorf("parseFirstBadCommit(%q) = %q, want no match", logs, commit)
		}
	}
}

func TestBuildDockerArgsHardening(t *testing.T) {
	r := NewDockerRunner(DockerConfig{MemoryMB: 256, CPUCores: 1, PIDsLimit: 64}, discardLogger())
	args := r.buildDockerArgs("repoprobe-sbx-test", BisectRequest{RepoDir: "/var/cache/repoprobe/abc"})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--network=none",
		"--memory=256m",
		"--memory-swap=256m",
		"--pids-limit=64",
		"--volume /var/cache/repoprobe/abc:/repo:rw",
		"--workdir /repo",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("docker args missing %q:\n%s", want, joined)
		}
	}
	if args[len(args)-1] != defaultImage {
		t.Errorf("image must be the final argument, got %q", args[len(args)-1])
	}
}

func TestBuildDockerArgsLimitOverrides(t *testing.T) {
	r := NewDockerRunner(DockerConfig{}, discardLogger())
	args := r.buildDockerArgs("n", BisectRequest{
		RepoDir: "/x",
		Limits:  ResourceLimits{MemoryMB: 1024, CPUCores: 2, PIDsLimit: 256},
	})
	joined := strings.Join(args, " ")
	for _, want := range []string{"--memory=1024m", "--cpus=2.00", "--pids-limit=256"} {
		if !strings.Contains(joined, want) {
			t.Errorf("override %q not applied:\n%s", want, joined)
		}
	}
}
