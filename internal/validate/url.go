// Package validate implements the input validation boundary for repoprobe.
// Every repository URL and file path supplied by a caller passes through
// this package before any filesystem or network operation touches it.
package validate

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidURL is wrapped by every URL rejection. Callers match it with
// errors.Is and surface the wrapped detail as a client error.
var ErrInvalidURL = errors.New("invalid repository URL")

// DefaultAllowedHosts are the public hosting domains accepted when no
// allow-list is configured.
var DefaultAllowedHosts = []string{"github.com", "gitlab.com", "bitbucket.org"}

// repoPathPattern matches /<owner>/<name> with an optional .git suffix and
// optional trailing slash. Owner and name are restricted to a conservative
// character set — anything fancier is rejected.
var repoPathPattern = regexp.MustCompile(`^/[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+(\.git)?/?$`)

// SafeURL is a repository URL that passed every validation rule.
type SafeURL struct {
	Raw  string // The URL exactly as submitted.
	Host string // Lowercased host.
}

// URLValidator checks untrusted repository URLs against a fixed host
// allow-list. Validation is pure string analysis — no network calls.
type URLValidator struct {
	allowedHosts []string
}

// NewURLValidator creates a validator for the given hosting domains.
// An empty list falls back to DefaultAllowedHosts.
func NewURLValidator(allowedHosts []string) *URLValidator {
	if len(allowedHosts) == 0 {
		allowedHosts = DefaultAllowedHosts
	}
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		hosts = append(hosts, strings.ToLower(h))
	}
	return &URLValidator{allowedHosts: hosts}
}

// ValidateURL checks that raw is a safe public HTTPS repository URL.
// All rules must hold:
//   - scheme is exactly "https" (ssh, git, file, http are all rejected)
//   - host equals, or is a subdomain of, an allow-listed hosting domain
//   - path is /<owner>/<name> with an optional .git suffix
//   - no embedded credentials, query string, or fragment
//
// Each rejection wraps ErrInvalidURL and names the violated rule.
func (v *URLValidator) ValidateURL(raw string) (*SafeURL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: URL must not be empty", ErrInvalidURL)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed URL: %v", ErrInvalidURL, err)
	}

	if parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not allowed, only https", ErrInvalidURL, parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if !v.hostAllowed(host) {
		return nil, fmt.Errorf("%w: host %q is not on the allow-list", ErrInvalidURL, host)
	}

	if !repoPathPattern.MatchString(parsed.Path) {
		return nil, fmt.Errorf("%w: path %q is not of the form /<owner>/<repo>[.git]", ErrInvalidURL, parsed.Path)
	}

	if parsed.User != nil {
		return nil, fmt.Errorf("%w: embedded credentials are not allowed", ErrInvalidURL)
	}
	if parsed.RawQuery != "" {
		return nil, fmt.Errorf("%w: query string is not allowed", ErrInvalidURL)
	}
	if parsed.Fragment != "" {
		return nil, fmt.Errorf("%w: fragment is not allowed", ErrInvalidURL)
	}

	return &SafeURL{Raw: raw, Host: host}, nil
}

// hostAllowed reports whether host equals or is a subdomain of an
// allow-listed domain. "gist.github.com" matches "github.com";
// "evilgithub.com" does not.
func (v *URLValidator) hostAllowed(host string) bool {
	for _, d := range v.allowedHosts {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
