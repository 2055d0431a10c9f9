// Package scm posts and updates preview-environment status comments on the
// pull request a preview was created from.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/types"
)

// Commenter upserts one status comment per pull request. The returned id is
// stored on the environment so later deploys patch in place.
type Commenter interface {
	UpsertComment(ctx context.Context, ref *types.PullRequestRef, body string) (int64, error)
}

// ForProvider returns the commenter matching the pull request's provider.
func ForProvider(provider types.GitProvider, token string) (Commenter, error) {
	switch provider {
	case types.GitProviderGitHub:
		return NewGitHub(token), nil
	case types.GitProviderGitLab:
		return NewGitLab(token), nil
	default:
		return nil, fmt.Errorf("unknown git provider %q", provider)
	}
}

// GitHub talks to the GitHub REST API. PR comments live on the issues
// endpoint.
type GitHub struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// NewGitHub builds a GitHub commenter authenticated with token.
func NewGitHub(token string) *GitHub {
	return &GitHub{
		baseURL: "https://api.github.com",
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  log.WithComponent("scm"),
	}
}

// WithBaseURL overrides the API endpoint, for GitHub Enterprise or tests.
func (g *GitHub) WithBaseURL(base string) *GitHub {
	g.baseURL = strings.TrimRight(base, "/")
	return g
}

func (g *GitHub) UpsertComment(ctx context.Context, ref *types.PullRequestRef, body string) (int64, error) {
	var method, endpoint string
	if ref.CommentID == 0 {
		method = http.MethodPost
		endpoint = fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments",
			g.baseURL, ref.Owner, ref.Repo, ref.Number)
	} else {
		method = http.MethodPatch
		endpoint = fmt.Sprintf("%s/repos/%s/%s/issues/comments/%d",
			g.baseURL, ref.Owner, ref.Repo, ref.CommentID)
	}

	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("github returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode github response: %w", err)
	}
	g.logger.Debug().
		Str("repo", ref.Owner+"/"+ref.Repo).
		Int("pr", ref.Number).
		Int64("comment_id", out.ID).
		Msg("pull request comment upserted")
	return out.ID, nil
}

// GitLab talks to the GitLab REST API. MR comments are notes on the
// merge_requests endpoint, and the project is addressed by its URL-encoded
// "owner/repo" path.
type GitLab struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// NewGitLab builds a GitLab commenter authenticated with token.
func NewGitLab(token string) *GitLab {
	return &GitLab{
		baseURL: "https://gitlab.com/api/v4",
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  log.WithComponent("scm"),
	}
}

// WithBaseURL overrides the API endpoint, for self-hosted GitLab or tests.
func (g *GitLab) WithBaseURL(base string) *GitLab {
	g.baseURL = strings.TrimRight(base, "/")
	return g
}

func (g *GitLab) UpsertComment(ctx context.Context, ref *types.PullRequestRef, body string) (int64, error) {
	project := url.PathEscape(ref.Owner + "/" + ref.Repo)

	var method, endpoint string
	if ref.CommentID == 0 {
		method = http.MethodPost
		endpoint = fmt.Sprintf("%s/projects/%s/merge_requests/%d/notes",
			g.baseURL, project, ref.Number)
	} else {
		method = http.MethodPut
		endpoint = fmt.Sprintf("%s/projects/%s/merge_requests/%d/notes/%d",
			g.baseURL, project, ref.Number, ref.CommentID)
	}

	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("PRIVATE-TOKEN", g.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach gitlab: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("gitlab returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode gitlab response: %w", err)
	}
	return out.ID, nil
}

// PreviewComment renders the status comment of a preview environment: one
// line per service with its deploy state and links.
func PreviewComment(env *types.Environment, services []*types.Service) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### Preview environment `%s`\n\n", env.Name)
	b.WriteString("| service | status | url |\n|---|---|---|\n")
	for _, svc := range services {
		link := "-"
		for _, u := range svc.URLs {
			if !u.IsRedirect() {
				link = fmt.Sprintf("[%s](https://%s%s)", u.Domain, u.Domain, u.BasePath)
				break
			}
		}
		status := "pending"
		if svc.DeployedAt != nil {
			status = "deployed"
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s |\n", svc.Slug, status, link)
	}
	return b.String()
}
