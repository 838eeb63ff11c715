package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/repoprobe/repoprobe/internal/jobs"
)

func testGateway(token string) *Gateway {
	return &Gateway{
		config: Config{AuthToken: token},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestCheckToken(t *testing.T) {
	g := testGateway("s3cret")

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  bool
	}{
		{"header token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }, true},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "token=s3cret" }, true},
		{"wrong token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
		{"missing token", func(r *http.Request) {}, false},
		{"basic auth scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic s3cret") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/bisect/x/events", nil)
			tt.setup(r)
			if got := g.checkToken(r); got != tt.want {
				t.Errorf("checkToken = %v, want %v", got, tt.want)
			}
		})
	}

	open := testGateway("")
	r := httptest.NewRequest("GET", "/v1/bisect/x/events", nil)
	if !open.checkToken(r) {
		t.Error("empty configured token should disable the check")
	}
}

func TestEventsJobID(t *testing.T) {
	id := uuid.New()

	got, ok := eventsJobID("/v1/bisect/" + id.String() + "/events")
	if !ok || got != id {
		t.Fatalf("eventsJobID = %v, %v; want %v, true", got, ok, id)
	}

	bad := []string{
		"/v1/bisect/not-a-uuid/events",
		"/v1/bisect/" + id.String(),
		"/v2/bisect/" + id.String() + "/events",
		"/v1/repos/" + id.String() + "/events",
		"/",
	}
	for _, path := range bad {
		if _, ok := eventsJobID(path); ok {
			t.Errorf("eventsJobID(%q) accepted", path)
		}
	}
}

func TestHandleEventsRejectsUnauthorized(t *testing.T) {
	g := testGateway("s3cret")

	r := httptest.NewRequest("GET", "/v1/bisect/"+uuid.NewString()+"/events", nil)
	rec := httptest.NewRecorder()
	g.handleEvents(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJobResponse(t *testing.T) {
	started := time.Now().UTC()
	job := &jobs.Job{
		ID: uuid.New(),
		Request: jobs.Request{
			RepoURL:     "https://github.com/acme/widget",
			TestCommand: "go test ./...",
			BadCommit:   "HEAD",
			GoodCommit:  "v1.0.0",
		},
		Status:           jobs.StatusCompleted,
		IdentifiedCommit: "deadbeef",
		Logs:             "bisect output",
		StartedAt:        &started,
	}

	full := jobResponse(job, true)
	if full.ID != job.ID.String() || full.Status != "completed" {
		t.Errorf("unexpected identity fields: %+v", full)
	}
	if full.IdentifiedCommit != "deadbeef" || full.Logs != "bisect output" {
		t.Errorf("result fields not mapped: %+v", full)
	}

	slim := jobResponse(job, false)
	if slim.Logs != "" {
		t.Error("list-shape response should omit logs")
	}
	if slim.RepoURL != job.Request.RepoURL {
		t.Error("request fields should survive without logs")
	}
}
