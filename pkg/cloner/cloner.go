// Package cloner forks an environment: a new environment record, verbatim
// variables, and per-service pending changes reproducing the source's
// applied state, ready for a first deploy in the new scope.
package cloner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/ledger"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// Deployer starts the rollout workflow of an applied deployment.
// Implemented by the orchestrator.
type Deployer interface {
	Enqueue(ctx context.Context, dep *types.Deployment) error
}

// Options tune one clone request.
type Options struct {
	TargetName string
	// IsPreview marks the clone a preview environment with optional
	// HTTP-basic protection and a linked pull request.
	IsPreview   bool
	PreviewAuth *types.BasicAuth
	PullRequest *types.PullRequestRef
	// DeployServices immediately applies and deploys every cloned service.
	DeployServices bool
}

// Cloner copies environments through the change ledger, so every clone
// honours the same validations as a hand-entered service.
type Cloner struct {
	store    storage.Store
	ledger   *ledger.Ledger
	deployer Deployer
	cfg      *config.Config
	broker   *events.Broker
	logger   zerolog.Logger
}

// New builds a cloner. deployer may be nil when DeployServices is unused.
func New(store storage.Store, ldg *ledger.Ledger, deployer Deployer,
	cfg *config.Config, broker *events.Broker) *Cloner {
	return &Cloner{
		store:    store,
		ledger:   ldg,
		deployer: deployer,
		cfg:      cfg,
		broker:   broker,
		logger:   log.WithComponent("cloner"),
	}
}

// Clone forks sourceEnvID into a new environment named opts.TargetName.
func (c *Cloner) Clone(ctx context.Context, sourceEnvID string, opts Options) (*types.Environment, error) {
	source, err := c.store.GetEnvironment(sourceEnvID)
	if err != nil {
		return nil, err
	}
	if opts.TargetName == "" {
		return nil, types.InvalidChangef("target environment name cannot be empty")
	}
	if opts.TargetName == types.ProductionEnv {
		return nil, types.InvalidChangef("%q is reserved", types.ProductionEnv)
	}
	if existing, err := c.store.GetEnvironmentByName(source.ProjectID, opts.TargetName); err == nil && existing != nil {
		return nil, types.Conflictf("environment %q already exists", opts.TargetName)
	}

	target := &types.Environment{
		ID:          uuid.NewString(),
		ProjectID:   source.ProjectID,
		Name:        opts.TargetName,
		IsPreview:   opts.IsPreview,
		PreviewAuth: opts.PreviewAuth,
		PullRequest: opts.PullRequest,
		CreatedAt:   time.Now().UTC(),
	}
	for _, v := range source.Variables {
		target.Variables = append(target.Variables, types.EnvVariable{
			ID:    uuid.NewString(),
			Key:   v.Key,
			Value: v.Value,
		})
	}
	if err := c.store.CreateEnvironment(target); err != nil {
		return nil, fmt.Errorf("failed to create environment: %w", err)
	}

	services, err := c.store.ListServices(sourceEnvID)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	var cloned []*types.Service
	for _, src := range services {
		svc, err := c.cloneService(ctx, src, target)
		if err != nil {
			return nil, fmt.Errorf("failed to clone service %s: %w", src.Slug, err)
		}
		cloned = append(cloned, svc)
	}

	c.broker.Publish(&events.Event{
		Type:    events.EventEnvironmentCloned,
		Message: fmt.Sprintf("environment %s cloned into %s", source.Name, target.Name),
		Metadata: map[string]string{
			"source_environment_id": source.ID,
			"target_environment_id": target.ID,
		},
	})
	c.logger.Info().
		Str("source", source.Name).
		Str("target", target.Name).
		Int("services", len(cloned)).
		Msg("environment cloned")

	if opts.DeployServices {
		for _, svc := range cloned {
			dep, err := c.ledger.Apply(ctx, svc.ID, ledger.ApplyOptions{})
			if err != nil {
				return nil, fmt.Errorf("failed to apply cloned service %s: %w", svc.Slug, err)
			}
			if err := c.deployer.Enqueue(ctx, dep); err != nil {
				return nil, fmt.Errorf("failed to deploy cloned service %s: %w", svc.Slug, err)
			}
		}
	}
	return target, nil
}

// cloneService creates an empty service in the target environment and
// replays the source's applied state as pending changes.
func (c *Cloner) cloneService(ctx context.Context, src *types.Service, target *types.Environment) (*types.Service, error) {
	svc := &types.Service{
		ID:            uuid.NewString(),
		ProjectID:     src.ProjectID,
		EnvironmentID: target.ID,
		Slug:          src.Slug,
		Type:          src.Type,
		NetworkAlias:  src.NetworkAlias,
		DeployToken:   uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.CreateService(svc); err != nil {
		return nil, err
	}

	request := func(field types.ChangeField, changeType types.ChangeType, itemID string, value any) error {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		_, err = c.ledger.RequestChange(ctx, svc.ID, &types.Change{
			Field:    field,
			Type:     changeType,
			ItemID:   itemID,
			NewValue: data,
		})
		return err
	}

	switch src.Type {
	case types.ServiceTypeGit:
		if src.Repository != nil {
			if err := request(types.FieldGitSource, types.ChangeUpdate, "", src.Repository); err != nil {
				return nil, err
			}
		}
	default:
		if src.Image != "" {
			if err := request(types.FieldSource, types.ChangeUpdate, "", ledger.Source{
				Image:       src.Image,
				Credentials: src.Credentials,
			}); err != nil {
				return nil, err
			}
		}
	}

	if src.Command != "" {
		if err := request(types.FieldCommand, types.ChangeUpdate, "", src.Command); err != nil {
			return nil, err
		}
	}
	if src.Resources != nil {
		if err := request(types.FieldResources, types.ChangeUpdate, "", src.Resources); err != nil {
			return nil, err
		}
	}

	for _, v := range src.EnvVariables {
		item := types.EnvVariable{Key: v.Key, Value: v.Value}
		if err := request(types.FieldEnvVariables, types.ChangeAdd, uuid.NewString(), item); err != nil {
			return nil, err
		}
	}
	for _, v := range src.Volumes {
		item := types.Volume{Name: v.Name, ContainerPath: v.ContainerPath, HostPath: v.HostPath, Mode: v.Mode}
		if err := request(types.FieldVolumes, types.ChangeAdd, uuid.NewString(), item); err != nil {
			return nil, err
		}
	}
	for _, cfg := range src.Configs {
		item := types.Config{
			Name:      cfg.Name,
			Contents:  cfg.Contents,
			MountPath: cfg.MountPath,
			Language:  cfg.Language,
			Version:   1,
		}
		if err := request(types.FieldConfigs, types.ChangeAdd, uuid.NewString(), item); err != nil {
			return nil, err
		}
	}

	// Host-mapped ports would collide on the shared host, so only HTTP
	// ports cross the clone boundary.
	for _, p := range src.Ports {
		if p.HostPort != nil {
			continue
		}
		item := types.PortMapping{Forwarded: p.Forwarded}
		if err := request(types.FieldPorts, types.ChangeAdd, uuid.NewString(), item); err != nil {
			return nil, err
		}
	}

	// Redirect URLs are skipped; proxy URLs move to generated preview
	// domains, unique within the target environment.
	urlIndex := 0
	for _, u := range src.URLs {
		if u.IsRedirect() {
			continue
		}
		item := types.URL{
			Domain:         c.previewDomain(svc.Slug, target.Name, urlIndex),
			BasePath:       u.BasePath,
			StripPrefix:    u.StripPrefix,
			AssociatedPort: u.AssociatedPort,
		}
		urlIndex++
		if err := request(types.FieldURLs, types.ChangeAdd, uuid.NewString(), item); err != nil {
			return nil, err
		}
	}

	// The healthcheck goes last: an HTTP-path probe only validates once the
	// ports and URLs exposing the service are already pending.
	if src.Healthcheck != nil {
		if err := request(types.FieldHealthcheck, types.ChangeUpdate, "", src.Healthcheck); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// previewDomain generates the target-unique domain of a cloned URL.
func (c *Cloner) previewDomain(slug, envName string, index int) string {
	if index == 0 {
		return fmt.Sprintf("%s-%s.%s", slug, envName, c.cfg.RootDomain)
	}
	return fmt.Sprintf("%s-%s-%d.%s", slug, envName, index+1, c.cfg.RootDomain)
}
