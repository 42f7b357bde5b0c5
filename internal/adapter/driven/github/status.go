// Package github implements the StatusWriter port using the go-github
// library.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/karlbohlmark/eifl/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.StatusWriter = (*StatusClient)(nil)

// statusContext is the context string under which EIFL statuses appear on
// GitHub commits.
const statusContext = "ci/eifl"

// StatusClient posts commit statuses to GitHub. The transport stack matches
// the rest of the codebase's GitHub access:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client with PAT auth)
type StatusClient struct {
	gh *gh.Client
}

// NewStatusClient creates a StatusClient authenticated with token.
func NewStatusClient(token string) *StatusClient {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient).WithAuthToken(token)

	return &StatusClient{gh: client}
}

// NewStatusClientWithHTTPClient creates a StatusClient with a custom
// http.Client and base URL, for tests against an httptest server.
func NewStatusClientWithHTTPClient(httpClient *http.Client, baseURL string) (*StatusClient, error) {
	client := gh.NewClient(httpClient)

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	return &StatusClient{gh: client}, nil
}

// PostCommitStatus publishes a commit status. repoFullName is owner/repo.
func (c *StatusClient) PostCommitStatus(ctx context.Context, repoFullName, sha string, state driven.CommitState, description, targetURL string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return err
	}

	status := &gh.RepoStatus{
		State:       gh.Ptr(string(state)),
		Description: gh.Ptr(description),
		Context:     gh.Ptr(statusContext),
	}
	if targetURL != "" {
		status.TargetURL = gh.Ptr(targetURL)
	}

	_, _, err = c.gh.Repositories.CreateStatus(ctx, owner, repo, sha, *status)
	if err != nil {
		return fmt.Errorf("post status %s for %s@%s: %w", state, repoFullName, sha, err)
	}

	return nil
}

// splitRepo splits "owner/repo" into its parts.
func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
