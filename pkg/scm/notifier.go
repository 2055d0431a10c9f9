package scm

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// Notifier keeps the pull-request status comment of preview environments in
// sync with deployment outcomes.
type Notifier struct {
	store      storage.Store
	commenters map[types.GitProvider]Commenter
	logger     zerolog.Logger
}

// NewNotifier builds a notifier. Providers without a token are disabled.
func NewNotifier(store storage.Store, githubToken, gitlabToken string) *Notifier {
	commenters := make(map[types.GitProvider]Commenter)
	if githubToken != "" {
		commenters[types.GitProviderGitHub] = NewGitHub(githubToken)
	}
	if gitlabToken != "" {
		commenters[types.GitProviderGitLab] = NewGitLab(gitlabToken)
	}
	return &Notifier{
		store:      store,
		commenters: commenters,
		logger:     log.WithComponent("scm"),
	}
}

// SetCommenter overrides the commenter of a provider, for tests.
func (n *Notifier) SetCommenter(provider types.GitProvider, c Commenter) {
	n.commenters[provider] = c
}

// Watch consumes broker events until ctx is done, refreshing the PR comment
// whenever a deployment of a preview environment reaches an outcome.
func (n *Notifier) Watch(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			switch event.Type {
			case events.EventDeploymentHealthy, events.EventDeploymentUnhealthy,
				events.EventDeploymentFailed, events.EventDeploymentCancelled:
				n.Notify(ctx, event.ServiceID)
			}
		}
	}
}

// Notify upserts the PR comment of the environment owning serviceID. It is a
// no-op for non-preview environments and unlinked pull requests.
func (n *Notifier) Notify(ctx context.Context, serviceID string) {
	svc, err := n.store.GetService(serviceID)
	if err != nil {
		return
	}
	env, err := n.store.GetEnvironment(svc.EnvironmentID)
	if err != nil {
		return
	}
	if !env.IsPreview || env.PullRequest == nil {
		return
	}
	commenter, ok := n.commenters[env.PullRequest.Provider]
	if !ok {
		return
	}

	services, err := n.store.ListServices(env.ID)
	if err != nil {
		n.logger.Warn().Err(err).Str("environment_id", env.ID).Msg("failed to list services for PR comment")
		return
	}

	id, err := commenter.UpsertComment(ctx, env.PullRequest, PreviewComment(env, services))
	if err != nil {
		n.logger.Warn().Err(err).
			Str("environment_id", env.ID).
			Int("pr", env.PullRequest.Number).
			Msg("failed to upsert PR comment")
		return
	}
	if env.PullRequest.CommentID != id {
		env.PullRequest.CommentID = id
		if err := n.store.UpdateEnvironment(env); err != nil {
			n.logger.Warn().Err(err).Str("environment_id", env.ID).Msg("failed to persist PR comment id")
		}
	}
}
