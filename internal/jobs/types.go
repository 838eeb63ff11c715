// Package jobs implements asynchronous bisection jobs. A submission is
// validated and acknowledged immediately; cloning and the sandboxed bisect
// run on a worker pool while callers poll or subscribe for progress.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a bisection job.
type Status string

const (
	StatusPending   Status = "pending"   // Accepted, waiting for a worker.
	StatusCloning   Status = "cloning"   // Obtaining or updating the clone.
	StatusBisecting Status = "bisecting" // Sandbox session in progress.
	StatusCompleted Status = "completed" // Bisect identified a first bad commit.
	StatusFailed    Status = "failed"    // Bisect ran but did not succeed (or timed out).
	StatusErrored   Status = "errored"   // Infrastructure failure before or during the run.
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusErrored:
		return true
	}
	return false
}

// Request is a validated bisection submission.
type Request struct {
	RepoURL     string `json:"repo_url"`
	TestCommand string `json:"test_command"`
	BadCommit   string `json:"bad_commit"`
	GoodCommit  string `json:"good_commit"`
}

// Job is the full record of one bisection job.
type Job struct {
	ID      uuid.UUID `json:"id"`
	Request Request   `json:"request"`
	Status  Status    `json:"status"`

	// Progress is a human-readable description of the current phase.
	Progress string `json:"progress,omitempty"`

	// IdentifiedCommit is the first bad commit hash, set on completion.
	IdentifiedCommit string `json:"identified_commit,omitempty"`

	// Logs holds the sandbox session output, capped by the sandbox.
	Logs string `json:"logs,omitempty"`

	// Error describes why the job failed or errored.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Update is one progress event delivered to subscribers.
type Update struct {
	JobID    uuid.UUID `json:"job_id"`
	Status   Status    `json:"status"`
	Progress string    `json:"progress,omitempty"`
	At       time.Time `json:"at"`
}
