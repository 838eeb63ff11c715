// Package repocache maintains the local clone cache. Every repository is
// cloned at most once per cache directory; subsequent requests for the same
// URL reuse the existing clone after a fetch. Cache entries are keyed by a
// hash of the normalized URL so distinct repositories can never collide and
// URLs never leak into filesystem paths.
package repocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/gofrs/flock"
)

var (
	// ErrCloneFailed wraps every failure to produce a usable clone,
	// including recovery reclones after a corrupted cache entry.
	ErrCloneFailed = errors.New("repository clone failed")

	// ErrFetchFailed wraps fetch failures that also defeated the
	// delete-and-reclone recovery path.
	ErrFetchFailed = errors.New("repository fetch failed")
)

// DefaultDepth is the shallow-clone depth used when none is configured.
// Bisection rarely needs more than recent history; a deeper window can be
// configured per deployment.
const DefaultDepth = 50

const lockRetryDelay = 100 * time.Millisecond

var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Repo describes a ready cache entry. Dir is a plain working tree the
// sandbox bind-mounts; callers must not mutate it outside a sandbox run.
type Repo struct {
	URL       string
	Key       string
	Dir       string
	UpdatedAt time.Time
}

// Options configures a Manager.
type Options struct {
	// CacheDir is the root under which all clones live. Created if missing.
	CacheDir string

	// Depth is the shallow-clone depth. Zero means DefaultDepth; a
	// negative value disables shallow cloning entirely.
	Depth int

	Logger *slog.Logger
}

// Manager deduplicates clones across concurrent callers and processes.
// In-process callers serialize on a per-key mutex; cross-process callers
// serialize on a per-key lock file next to the clone directory.
type Manager struct {
	cacheDir string
	depth    int
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates the cache root if needed and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("repocache: cache directory must not be empty")
	}
	abs, err := filepath.Abs(opts.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("repocache: resolving cache directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("repocache: creating cache directory: %w", err)
	}
	depth := opts.Depth
	if depth == 0 {
		depth = DefaultDepth
	} else if depth < 0 {
		depth = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cacheDir: abs,
		depth:    depth,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Key returns the cache key for a repository URL.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Dir returns the directory a URL's clone would live in, whether or not it
// exists yet.
func (m *Manager) Dir(url string) string {
	return filepath.Join(m.cacheDir, Key(url))
}

// Obtain returns a ready clone of url, cloning or updating as needed. It is
// safe to call concurrently for the same URL from multiple goroutines and
// multiple processes; exactly one caller does the work while the rest wait
// and then reuse the result.
func (m *Manager) Obtain(ctx context.Context, url string) (*Repo, error) {
	key := Key(url)
	dir := filepath.Join(m.cacheDir, key)

	unlock, err := m.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := m.logger.With("repo_key", key[:12])

	repo, err := git.PlainOpen(dir)
	switch {
	case err == nil:
		if err := m.update(ctx, logger, repo, url, dir); err != nil {
			return nil, err
		}
	case errors.Is(err, git.ErrRepositoryNotExists):
		if err := m.clone(ctx, logger, url, dir); err != nil {
			return nil, err
		}
	default:
		// Directory exists but is not a repository: a crashed clone left a
		// partial tree behind. Replace it.
		logger.Warn("replacing unreadable cache entry", "error", err)
		if err := m.reclone(ctx, logger, url, dir); err != nil {
			return nil, err
		}
	}

	updated := time.Now()
	if info, statErr := os.Stat(dir); statErr == nil {
		updated = info.ModTime()
	}
	return &Repo{URL: url, Key: key, Dir: dir, UpdatedAt: updated}, nil
}

// Remove deletes the cache entry for url, if any. Waits for any in-flight
// Obtain on the same entry to finish first.
func (m *Manager) Remove(ctx context.Context, url string) error {
	return m.RemoveKey(ctx, Key(url))
}

// RemoveKey deletes the cache entry with the given key. Unlike Remove it
// does not need the origin URL, so it can clean up entries whose URL is no
// longer readable (partial clones left by a crash).
func (m *Manager) RemoveKey(ctx context.Context, key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("repocache: invalid cache key %q", key)
	}
	unlock, err := m.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return os.RemoveAll(filepath.Join(m.cacheDir, key))
}

// List returns every entry currently in the cache. Entries whose origin URL
// cannot be read (partial clones awaiting replacement) are reported with an
// empty URL rather than skipped, so maintenance can still prune them.
func (m *Manager) List() ([]Repo, error) {
	entries, err := os.ReadDir(m.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("repocache: reading cache directory: %w", err)
	}
	var repos []Repo
	for _, entry := range entries {
		if !entry.IsDir() || !keyPattern.MatchString(entry.Name()) {
			continue
		}
		dir := filepath.Join(m.cacheDir, entry.Name())
		r := Repo{Key: entry.Name(), Dir: dir}
		if info, err := entry.Info(); err == nil {
			r.UpdatedAt = info.ModTime()
		}
		if repo, err := git.PlainOpen(dir); err == nil {
			if remote, err := repo.Remote(git.DefaultRemoteName); err == nil {
				if urls := remote.Config().URLs; len(urls) > 0 {
					r.URL = urls[0]
				}
			}
		}
		repos = append(repos, r)
	}
	return repos, nil
}

// lock acquires both the in-process mutex and the cross-process lock file
// for key, returning a func that releases both.
func (m *Manager) lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	keyMu, ok := m.locks[key]
	if !ok {
		keyMu = &sync.Mutex{}
		m.locks[key] = keyMu
	}
	m.mu.Unlock()

	keyMu.Lock()

	fl := flock.New(filepath.Join(m.cacheDir, key+".lock"))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		keyMu.Unlock()
		return nil, fmt.Errorf("repocache: acquiring lock for %s: %w", key[:12], err)
	}
	if !locked {
		keyMu.Unlock()
		return nil, fmt.Errorf("repocache: lock for %s not acquired", key[:12])
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("releasing cache lock", "repo_key", key[:12], "error", err)
		}
		keyMu.Unlock()
	}, nil
}

func (m *Manager) clone(ctx context.Context, logger *slog.Logger, url, dir string) error {
	logger.Info("cloning repository", "depth", m.depth)
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:   url,
		Depth: m.depth,
		Tags:  git.AllTags,
	})
	if err != nil {
		// Never leave a partial clone behind: the next Obtain must see
		// either a valid repository or nothing.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Error("removing partial clone", "error", rmErr)
		}
		return fmt.Errorf("%w: %s: %v", ErrCloneFailed, url, err)
	}
	logger.Info("clone complete")
	return nil
}

func (m *Manager) reclone(ctx context.Context, logger *slog.Logger, url, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: removing stale entry: %v", ErrCloneFailed, err)
	}
	return m.clone(ctx, logger, url, dir)
}

// update brings an existing clone up to date. A fetch failure is treated as
// cache corruption and recovered by recloning; only a failed reclone
// surfaces as ErrFetchFailed.
func (m *Manager) update(ctx context.Context, logger *slog.Logger, repo *git.Repository, url, dir string) error {
	if err := m.ensureOrigin(repo, url); err != nil {
		logger.Warn("resetting origin failed, replacing entry", "error", err)
		return m.reclone(ctx, logger, url, dir)
	}

	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Depth:      m.depth,
		Force:      true,
		Tags:       git.AllTags,
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, err)
	}

	logger.Warn("fetch failed, replacing entry", "error", err)
	if recloneErr := m.reclone(ctx, logger, url, dir); recloneErr != nil {
		return fmt.Errorf("%w: %s: fetch: %v; reclone: %v", ErrFetchFailed, url, err, recloneErr)
	}
	return nil
}

// ensureOrigin rewrites the origin remote when it does not point at url.
// Keys are hashes of the URL, so a mismatch means the entry was created by
// an older deployment or tampered with on disk.
func (m *Manager) ensureOrigin(repo *git.Repository, url string) error {
	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return fmt.Errorf("reading origin: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) > 0 && urls[0] == url {
		return nil
	}
	m.logger.Warn("origin URL mismatch, rewriting", "want", url)
	if err := repo.DeleteRemote(git.DefaultRemoteName); err != nil {
		return fmt.Errorf("deleting origin: %w", err)
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("recreating origin: %w", err)
	}
	return nil
}
