package tools

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	hostnameRegex  = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	dangerousChars = regexp.MustCompile("[;|`$(){}\\[\\]!<>\\\\\"'\\s]")
	scpLikeRepo    = regexp.MustCompile(`^[a-zA-Z0-9._-]+@([a-zA-Z0-9.-]+):([a-zA-Z0-9._/~-]+)$`)
)

// ValidateHost checks that host is an IP address or a hostname.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return nil
	}
	if len(host) > 253 {
		return fmt.Errorf("hostname too long")
	}
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname: %s", host)
	}
	return nil
}

// ValidateURL checks that a target is a valid HTTP/HTTPS URL that is safe to
// hand to the endpoint scanner in a target list.
func ValidateURL(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	// Query strings legitimately carry & and =, everything else on the list is rejected.
	if dangerousChars.MatchString(target) {
		return fmt.Errorf("URL contains invalid characters")
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	return ValidateHost(u.Hostname())
}

// ValidateRepoURL accepts http(s), ssh and git URLs as well as the scp-like
// git@host:owner/repo form.
func ValidateRepoURL(repo string) error {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dangerousChars.MatchString(repo) || strings.HasPrefix(repo, "-") {
		return fmt.Errorf("repository URL contains invalid characters")
	}
	if m := scpLikeRepo.FindStringSubmatch(repo); m != nil {
		return ValidateHost(m[1])
	}

	u, err := url.Parse(repo)
	if err != nil {
		return fmt.Errorf("invalid repository URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
	default:
		return fmt.Errorf("unsupported repository URL scheme %q", u.Scheme)
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("repository URL has no path")
	}
	return ValidateHost(u.Hostname())
}

// RepoName derives a display name from a repository URL: the last path
// segment without a trailing .git.
func RepoName(repo string) string {
	repo = strings.TrimSpace(repo)
	if m := scpLikeRepo.FindStringSubmatch(repo); m != nil {
		repo = m[2]
	} else if u, err := url.Parse(repo); err == nil && u.Host != "" {
		repo = u.Path
	}
	name := path.Base(strings.TrimRight(repo, "/"))
	name = strings.TrimSuffix(name, ".git")
	if name == "." || name == "/" {
		return ""
	}
	return name
}
