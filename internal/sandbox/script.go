package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// shellQuote wraps s in single quotes for a POSIX shell, escaping embedded
// single quotes. Inside single quotes nothing else is special, so the result
// is always a single literal word.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildBisectScript assembles the shell script that runs inside the
// container. The commits must already have passed validation; the test
// command is the only untrusted value and it crosses the shell boundary
// exactly once, quoted.
//
// The script resets any bisect state a previous session may have left in
// the cached clone, and resets again afterwards so the clone is reusable,
// preserving the bisect run's exit code.
func buildBisectScript(badCommit, goodCommit, testCommand string) string {
	var b strings.Builder
	b.WriteString("git config --global --add safe.directory /repo\n")
	b.WriteString("cd /repo\n")
	b.WriteString("git bisect reset >/dev/null 2>&1 || true\n")
	b.WriteString("git bisect start\n")
	fmt.Fprintf(&b, "git bisect bad %s\n", badCommit)
	fmt.Fprintf(&b, "git bisect good %s\n", goodCommit)
	fmt.Fprintf(&b, "git bisect run /bin/sh -c %s\n", shellQuote(testCommand))
	b.WriteString("status=$?\n")
	b.WriteString("git bisect log\n")
	b.WriteString("git bisect reset >/dev/null 2>&1 || true\n")
	b.WriteString("exit $status\n")
	return b.String()
}

// firstBadPattern matches git's summary line, e.g.
// "3f2a9c1d... is the first bad commit".
var firstBadPattern = regexp.MustCompile(`([0-9a-f]{4,40}) is the first bad commit`)

// parseFirstBadCommit extracts the identified commit hash from bisect
// output. Returns false when git never reported one (inconclusive or
// failed session).
func parseFirstBadCommit(logs string) (string, bool) {
	m := firstBadPattern.FindStringSubmatch(logs)
	if m == nil {
		return "", false
	}
	return m[1], true
}
