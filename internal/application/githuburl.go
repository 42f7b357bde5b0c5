package application

import (
	"net/url"
	"strings"
)

// githubRepoFromRemote extracts owner/repo from a github.com remote URL, or
// "" when the remote is not a GitHub URL.
func githubRepoFromRemote(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil || !strings.HasSuffix(u.Host, "github.com") {
		return ""
	}
	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	if strings.Count(path, "/") != 1 {
		return ""
	}
	return path
}

// injectCloneToken adds oauth2 user-info to https github.com clone URLs so
// runners can fetch private repositories. Non-GitHub and non-https URLs pass
// through unchanged.
func injectCloneToken(remoteURL, token string) string {
	if token == "" {
		return remoteURL
	}
	u, err := url.Parse(remoteURL)
	if err != nil || u.Scheme != "https" || !strings.HasSuffix(u.Host, "github.com") {
		return remoteURL
	}
	u.User = url.UserPassword("oauth2", token)
	return u.String()
}
