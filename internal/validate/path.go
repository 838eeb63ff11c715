package validate

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is wrapped by every path rejection. A match means the
// caller attempted to escape the repository root — always rejected, logged
// by the boundary that caught it.
var ErrPathTraversal = errors.New("path traversal detected")

// ValidatePath resolves userPath against rootDir and verifies the result
// stays inside rootDir. Both sides are canonicalized (absolute, symlinks
// resolved) before comparison, so ../ sequences and symlinks pointing
// outside the root are both caught.
//
// Returns the canonical absolute path on success. Must run on every
// user-supplied path before any read — including paths only used to compute
// a relative offset for a later version-control query.
func ValidatePath(rootDir, userPath string) (string, error) {
	if rootDir == "" {
		return "", fmt.Errorf("%w: repository root must not be empty", ErrPathTraversal)
	}

	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return "", fmt.Errorf("%w: resolving root: %v", ErrPathTraversal, err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("%w: repository root %s is not resolvable: %v", ErrPathTraversal, rootDir, err)
	}

	joined := filepath.Join(realRoot, userPath)

	// Resolve symlinks in the joined path. A path that does not exist yet is
	// resolved through its parent so a dangling name cannot hide an escape.
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		parent, parentErr := filepath.EvalSymlinks(filepath.Dir(joined))
		if parentErr != nil {
			return "", fmt.Errorf("%w: path %q does not resolve inside the repository", ErrPathTraversal, userPath)
		}
		resolved = filepath.Join(parent, filepath.Base(joined))
	}

	// Separator-safe containment: root itself, or a strict descendant.
	// "/repos/a" must match "/repos/a/b" but never "/repos/ab".
	if resolved != realRoot && !strings.HasPrefix(resolved, realRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside the repository root", ErrPathTraversal, userPath)
	}

	return resolved, nil
}
