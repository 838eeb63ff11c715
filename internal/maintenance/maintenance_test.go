package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/repoprobe/repoprobe/internal/repocache"
)

type fakeCache struct {
	mu        sync.Mutex
	repos     []repocache.Repo
	obtained  []string
	removed   []string
	obtainErr error
}

func (c *fakeCache) Obtain(_ context.Context, url string) (*repocache.Repo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obtained = append(c.obtained, url)
	if c.obtainErr != nil {
		return nil, c.obtainErr
	}
	return &repocache.Repo{URL: url}, nil
}

func (c *fakeCache) List() ([]repocache.Repo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]repocache.Repo(nil), c.repos...), nil
}

func (c *fakeCache) RemoveKey(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, key)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeCache{}, Config{RefreshSchedule: "not a cron spec"}, testLogger())
	if err == nil {
		t.Fatal("expected parse error")
	}

	if _, err := New(&fakeCache{}, Config{RefreshSchedule: "0 3 * * *", PruneSchedule: "30 3 * * *"}, testLogger()); err != nil {
		t.Fatalf("valid schedules rejected: %v", err)
	}
}

func TestRefreshAll(t *testing.T) {
	cache := &fakeCache{repos: []repocache.Repo{
		{URL: "https://github.com/acme/one"},
		{URL: "https://github.com/acme/two"},
		{URL: "https://github.com/acme/three"},
	}}

	r, err := New(cache, Config{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.RefreshAll(context.Background())

	if len(cache.obtained) != 3 {
		t.Errorf("obtained %d repos, want 3", len(cache.obtained))
	}
}

func TestRefreshAllContinuesPastFailures(t *testing.T) {
	cache := &fakeCache{
		repos: []repocache.Repo{
			{URL: "https://github.com/acme/one"},
			{URL: "https://github.com/acme/two"},
		},
		obtainErr: errors.New("remote gone"),
	}

	r, err := New(cache, Config{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.RefreshAll(context.Background())

	if len(cache.obtained) != 2 {
		t.Errorf("obtained %d repos, want 2", len(cache.obtained))
	}
}

func TestPruneStale(t *testing.T) {
	now := time.Now()
	cache := &fakeCache{repos: []repocache.Repo{
		{URL: "https://github.com/acme/fresh", Key: "fresh-key", UpdatedAt: now},
		{URL: "https://github.com/acme/stale", Key: "stale-key", UpdatedAt: now.Add(-48 * time.Hour)},
	}}

	r, err := New(cache, Config{TTL: 24 * time.Hour}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.PruneStale(context.Background())

	if len(cache.removed) != 1 || cache.removed[0] != "stale-key" {
		t.Errorf("removed = %v, want only the stale entry's key", cache.removed)
	}
}

func TestRefreshAllSkipsUnreadableEntries(t *testing.T) {
	cache := &fakeCache{repos: []repocache.Repo{
		{URL: "https://github.com/acme/good", Key: "good-key"},
		{URL: "", Key: "broken-key"},
	}}

	r, err := New(cache, Config{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.RefreshAll(context.Background())

	if len(cache.obtained) != 1 || cache.obtained[0] != "https://github.com/acme/good" {
		t.Errorf("obtained = %v, want only the readable entry", cache.obtained)
	}
}

func TestPruneStaleRemovesUnreadableEntries(t *testing.T) {
	cache := &fakeCache{repos: []repocache.Repo{
		{URL: "", Key: "broken-key", UpdatedAt: time.Now().Add(-48 * time.Hour)},
	}}

	r, err := New(cache, Config{TTL: 24 * time.Hour}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.PruneStale(context.Background())

	if len(cache.removed) != 1 || cache.removed[0] != "broken-key" {
		t.Errorf("removed = %v, want the unreadable entry's key", cache.removed)
	}
}

func TestPruneStaleZeroTTL(t *testing.T) {
	cache := &fakeCache{repos: []repocache.Repo{
		{URL: "https://github.com/acme/old", UpdatedAt: time.Time{}},
	}}

	r, err := New(cache, Config{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.PruneStale(context.Background())

	if len(cache.removed) != 0 {
		t.Errorf("zero TTL should disable pruning, removed %v", cache.removed)
	}
}
