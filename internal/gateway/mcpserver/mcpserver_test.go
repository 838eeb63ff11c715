package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/repoprobe/repoprobe/internal/repocache"
	"github.com/repoprobe/repoprobe/internal/validate"
)

type fakeRepoService struct {
	obtained []string
}

func (f *fakeRepoService) Obtain(_ context.Context, url string) (*repocache.Repo, error) {
	f.obtained = append(f.obtained, url)
	return &repocache.Repo{URL: url, Key: repocache.Key(url)}, nil
}

func (f *fakeRepoService) List() ([]repocache.Repo, error) { return nil, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func refreshRequest(url string) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = "repo_refresh"
	req.Params.Arguments = map[string]any{"repo_url": url}
	return req
}

func TestRepoRefreshRejectsUnsafeURLs(t *testing.T) {
	repos := &fakeRepoService{}
	s := New(nil, repos, validate.NewURLValidator(nil), "test", testLogger())

	for _, url := range []string{
		"ssh://git@github.com/acme/widget.git",
		"git://github.com/acme/widget.git",
		"/etc/passwd",
		"file:///srv/repos/widget",
	} {
		result, err := s.handleRepoRefresh(context.Background(), refreshRequest(url))
		if err != nil {
			t.Fatalf("handleRepoRefresh(%q): %v", url, err)
		}
		if !result.IsError {
			t.Errorf("URL %q accepted, want rejection", url)
		}
	}

	if len(repos.obtained) != 0 {
		t.Errorf("cache reached for rejected URLs: %v", repos.obtained)
	}
}

func TestRepoRefreshAcceptsValidURL(t *testing.T) {
	repos := &fakeRepoService{}
	s := New(nil, repos, validate.NewURLValidator(nil), "test", testLogger())

	result, err := s.handleRepoRefresh(context.Background(), refreshRequest("https://github.com/acme/widget.git"))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("valid URL rejected: %v", result)
	}
	if len(repos.obtained) != 1 {
		t.Errorf("Obtain called %d times, want 1", len(repos.obtained))
	}
}
