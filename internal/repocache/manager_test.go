package repocache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func initSourceRepo(t *testing.T, commits int) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init source repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < commits; i++ {
		content := fmt.Sprintf("revision %d\n", i)
		if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add("file.txt"); err != nil {
			t.Fatal(err)
		}
		_, err := wt.Commit(fmt.Sprintf("commit %d", i), &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
		})
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	return dir
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Options{CacheDir: t.TempDir(), Depth: -1})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestKey(t *testing.T) {
	a := Key("https://github.com/a/b")
	if a != Key("https://github.com/a/b") {
		t.Error("Key is not deterministic")
	}
	if a == Key("https://github.com/a/c") {
		t.Error("distinct URLs share a key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64", len(a))
	}
}

func TestObtainClonesOnce(t *testing.T) {
	src := initSourceRepo(t, 3)
	m := newTestManager(t)
	ctx := context.Background()

	repo, err := m.Obtain(ctx, src)
	if err != nil {
		t.Fatalf("first Obtain: %v", err)
	}
	if repo.Dir != m.Dir(src) {
		t.Errorf("Dir = %q, want %q", repo.Dir, m.Dir(src))
	}
	if _, err := git.PlainOpen(repo.Dir); err != nil {
		t.Fatalf("clone is not a repository: %v", err)
	}

	again, err := m.Obtain(ctx, repo.URL)
	if err != nil {
		t.Fatalf("second Obtain: %v", err)
	}
	if again.Dir != repo.Dir || again.Key != repo.Key {
		t.Error("second Obtain returned a different entry")
	}
}

func TestObtainFetchesNewCommits(t *testing.T) {
	src := initSourceRepo(t, 1)
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Obtain(ctx, src); err != nil {
		t.Fatalf("Obtain: %v", err)
	}

	// Grow the source, then Obtain again: the cached clone must learn the
	// new commit without being recloned.
	srcRepo, err := git.PlainOpen(src)
	if err != nil {
		t.Fatal(err)
	}
	wt, _ := srcRepo.Worktree()
	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("updated\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("file.txt"); err != nil {
		t.Fatal(err)
	}
	newHash, err := wt.Commit("update", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}

	entry, err := m.Obtain(ctx, src)
	if err != nil {
		t.Fatalf("Obtain after update: %v", err)
	}
	cached, err := git.PlainOpen(entry.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cached.CommitObject(newHash); err != nil {
		t.Errorf("new commit %s not fetched: %v", newHash, err)
	}
}

func TestObtainReplacesCorruptEntry(t *testing.T) {
	src := initSourceRepo(t, 2)
	m := newTestManager(t)
	ctx := context.Background()

	// Simulate a crash mid-clone: a directory at the key path that is not
	// a repository.
	dir := m.Dir(src)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "partial"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := m.Obtain(ctx, src)
	if err != nil {
		t.Fatalf("Obtain over corrupt entry: %v", err)
	}
	if _, err := git.PlainOpen(entry.Dir); err != nil {
		t.Fatalf("replacement is not a repository: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "partial")); !os.IsNotExist(err) {
		t.Error("corrupt content survived replacement")
	}
}

func TestObtainRewritesOrigin(t *testing.T) {
	src := initSourceRepo(t, 1)
	m := newTestManager(t)
	ctx := context.Background()

	entry, err := m.Obtain(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	// Tamper with the cached origin, then Obtain again: the manager must
	// point origin back at the URL the key was derived from.
	cached, err := git.PlainOpen(entry.Dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := cached.Config()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Remotes[git.DefaultRemoteName].URLs = []string{"/nonexistent/elsewhere"}
	if err := cached.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Obtain(ctx, src); err != nil {
		t.Fatalf("Obtain after tamper: %v", err)
	}
	cached, err = git.PlainOpen(entry.Dir)
	if err != nil {
		t.Fatal(err)
	}
	remote, err := cached.Remote(git.DefaultRemoteName)
	if err != nil {
		t.Fatal(err)
	}
	if urls := remote.Config().URLs; len(urls) == 0 || urls[0] != src {
		t.Errorf("origin = %v, want %q", urls, src)
	}
}

func TestObtainFetchFailure(t *testing.T) {
	src := initSourceRepo(t, 1)
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Obtain(ctx, src); err != nil {
		t.Fatal(err)
	}

	// Remove the source entirely: fetch fails and the recovery reclone
	// cannot succeed either.
	if err := os.RemoveAll(src); err != nil {
		t.Fatal(err)
	}
	_, err := m.Obtain(ctx, src)
	if err == nil {
		t.Fatal("Obtain succeeded with the source gone")
	}
	if !errors.Is(err, ErrFetchFailed) {
		t.Errorf("error %v does not wrap ErrFetchFailed", err)
	}
}

func TestObtainCloneFailure(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Obtain(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("Obtain succeeded for a nonexistent source")
	}
	if !errors.Is(err, ErrCloneFailed) {
		t.Errorf("error %v does not wrap ErrCloneFailed", err)
	}
	// No partial directory may remain.
	entries, listErr := m.List()
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(entries) != 0 {
		t.Errorf("cache not empty after failed clone: %v", entries)
	}
}

func TestObtainConcurrent(t *testing.T) {
	src := initSourceRepo(t, 2)
	m := newTestManager(t)
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	dirs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := m.Obtain(ctx, src)
			errs[i] = err
			if entry != nil {
				dirs[i] = entry.Dir
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("concurrent Obtain %d: %v", i, errs[i])
		}
		if dirs[i] != dirs[0] {
			t.Errorf("Obtain %d returned %q, want %q", i, dirs[i], dirs[0])
		}
	}
}

func TestRemoveAndList(t *testing.T) {
	a := initSourceRepo(t, 1)
	b := initSourceRepo(t, 1)
	m := newTestManager(t)
	ctx := context.Background()

	for _, src := range []string{a, b} {
		if _, err := m.Obtain(ctx, src); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.URL != a && e.URL != b {
			t.Errorf("entry %s has unexpected URL %q", e.Key[:12], e.URL)
		}
	}

	if err := m.Remove(ctx, a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, err = m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].URL != b {
		t.Errorf("after Remove, List = %v", entries)
	}
	// Removing an absent entry is a no-op.
	if err := m.Remove(ctx, a); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestRemoveKeyCleansUnreadableEntry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// A crashed clone leaves a directory with a valid key name but no
	// readable repository inside. Its origin URL is gone, so removal has
	// to go by key.
	key := Key("https://github.com/acme/crashed")
	dir := filepath.Join(m.cacheDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk"), []byte("partial clone"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].URL != "" || entries[0].Key != key {
		t.Fatalf("List = %v, want one entry with empty URL and key %s", entries, key[:12])
	}

	if err := m.RemoveKey(ctx, entries[0].Key); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("entry directory still present after RemoveKey")
	}

	if err := m.RemoveKey(ctx, "not-a-key"); err == nil {
		t.Error("expected error for malformed key")
	}
}
