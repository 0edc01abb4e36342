package git

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	sshRemotePattern   = regexp.MustCompile(`^(?:ssh://)?git@([^:/]+)[:/](.+?)/(.+?)(?:\.git)?/?$`)
	httpsRemotePattern = regexp.MustCompile(`^https?://([^/]+)/(.+?)/(.+?)(?:\.git)?/?$`)
)

// OriginOwnerRepo parses the origin remote URL into repository owner and name
func (r *Repository) OriginOwnerRepo() (string, string, error) {
	remote, err := r.repo.Remote("origin")
	if err != nil {
		return "", "", fmt.Errorf("no origin remote configured: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("origin remote has no URL")
	}
	return ParseRemoteURL(urls[0])
}

// ParseRemoteURL extracts owner and repository name from an ssh or https
// remote URL.
func ParseRemoteURL(url string) (string, string, error) {
	url = strings.TrimSpace(url)
	for _, pattern := range []*regexp.Regexp{sshRemotePattern, httpsRemotePattern} {
		if m := pattern.FindStringSubmatch(url); m != nil {
			return m[2], m[3], nil
		}
	}
	return "", "", fmt.Errorf("remote URL %q is not a recognized ssh or https repository URL", url)
}
