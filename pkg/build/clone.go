// Package build turns a git ref into a tagged container image: clone,
// builder-plan synthesis, buildx invocation and log streaming.
package build

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/zane-ops/zane/pkg/types"
)

// CloneOptions selects what to check out.
type CloneOptions struct {
	RepositoryURL string
	Branch        string
	// CommitSHA pins an exact commit; empty or "HEAD" follows the branch
	// tip.
	CommitSHA string
	// Token is injected into the clone URL for private repositories.
	Token string
}

// CloneResult describes the checked-out tree.
type CloneResult struct {
	Dir           string
	CommitSHA     string
	CommitAuthor  string
	CommitMessage string
}

// Clone checks the repository out into dir. Clone and checkout failures are
// distinguishable via types.ErrCloneFailed and types.ErrCheckoutFailed.
func Clone(ctx context.Context, dir string, opts CloneOptions) (*CloneResult, error) {
	cloneOpts := &git.CloneOptions{
		URL:          opts.RepositoryURL,
		SingleBranch: true,
	}
	if opts.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(opts.Branch)
	}
	if opts.Token != "" {
		cloneOpts.Auth = &githttp.BasicAuth{Username: "oauth2", Password: opts.Token}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", types.ErrCloneFailed,
			redactURL(opts.RepositoryURL), err)
	}

	var commit *object.Commit
	if opts.CommitSHA != "" && opts.CommitSHA != "HEAD" {
		hash := plumbing.NewHash(opts.CommitSHA)
		worktree, err := repo.Worktree()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrCheckoutFailed, err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Hash: hash}); err != nil {
			return nil, fmt.Errorf("%w: commit %s: %s", types.ErrCheckoutFailed,
				opts.CommitSHA, err)
		}
		commit, err = repo.CommitObject(hash)
		if err != nil {
			return nil, fmt.Errorf("%w: commit %s: %s", types.ErrCheckoutFailed,
				opts.CommitSHA, err)
		}
	} else {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrCloneFailed, err)
		}
		commit, err = repo.CommitObject(head.Hash())
		if err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrCloneFailed, err)
		}
	}

	return &CloneResult{
		Dir:           dir,
		CommitSHA:     commit.Hash.String(),
		CommitAuthor:  commit.Author.Name,
		CommitMessage: strings.TrimSpace(commit.Message),
	}, nil
}

// Cleanup removes a temporary build directory. It runs unconditionally in a
// terminal workflow step, including on cancellation, so errors are returned
// rather than fatal.
func Cleanup(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove build directory %s: %w", dir, err)
	}
	return nil
}

// redactURL strips userinfo from a repository URL for error messages.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}
