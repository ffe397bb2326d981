package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// Allowlist restricts which upstream URLs the proxy profile (spec §4.5) is
// permitted to connect to. Patterns are host/path globs matched segment by
// segment: "*" matches exactly one segment, "**" matches zero or more.
// Matching whole segments (rather than substrings) is what keeps a pattern
// like "api.example.com/**" from being bypassed by a host such as
// "api.example.com.evil.com" - the host is compared as one literal segment.
type Allowlist struct {
	patterns []string
}

// NewAllowlist builds an Allowlist from host/path glob patterns, e.g.
// "api.example.com/v1/**".
func NewAllowlist(patterns []string) *Allowlist {
	return &Allowlist{patterns: patterns}
}

// Allowed parses rawURL and checks it against the configured patterns. It
// returns the parsed URL when permitted.
func (a *Allowlist) Allowed(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream scheme must be http or https")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream URL must be absolute")
	}

	candidate := u.Host + u.Path
	for _, pattern := range a.patterns {
		if globMatch(pattern, candidate) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("upstream %q is not in the allowed list", candidate)
}

func globMatch(pattern, path string) bool {
	return matchSegments(splitSegments(pattern), 0, splitSegments(path), 0)
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern []string, pi int, path []string, si int) bool {
	for pi < len(pattern) && si < len(path) {
		seg := pattern[pi]

		if seg == "**" {
			for i := si; i <= len(path); i++ {
				if matchSegments(pattern, pi+1, path, i) {
					return true
				}
			}
			return false
		}

		if seg == "*" {
			pi++
			si++
			continue
		}

		if seg != path[si] {
			return false
		}
		pi++
		si++
	}

	for pi < len(pattern) && pattern[pi] == "**" {
		pi++
	}

	return pi == len(pattern) && si == len(path)
}
