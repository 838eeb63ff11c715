package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidCommit is wrapped by every commit identifier rejection.
var ErrInvalidCommit = errors.New("invalid commit identifier")

// commitPattern accepts abbreviated or full hex object names and simple ref
// names (branches, tags, HEAD~3 style suffixes). Shell metacharacters and
// whitespace are excluded by construction.
var commitPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/~^-]*$`)

const maxCommitLen = 128

// ValidateCommit checks that ref is a plausible revision identifier safe to
// interpolate into a bisect script. It is deliberately conservative: the
// sandbox script embeds these values, so anything outside the pattern is
// rejected before a script is ever built.
func ValidateCommit(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: must not be empty", ErrInvalidCommit)
	}
	if len(ref) > maxCommitLen {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidCommit, maxCommitLen)
	}
	if strings.HasPrefix(ref, "-") {
		return "", fmt.Errorf("%w: must not begin with '-'", ErrInvalidCommit)
	}
	if !commitPattern.MatchString(ref) {
		return "", fmt.Errorf("%w: %q contains disallowed characters", ErrInvalidCommit, ref)
	}
	return ref, nil
}
