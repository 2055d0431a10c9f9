// Package archive tears services, environments and projects down for good:
// routes unexposed, swarm resources removed, and a tombstone row retained
// so operators can audit what was deleted.
package archive

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zane-ops/zane/pkg/build"
	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// Unscheduler stops the health monitor of a deployment. Implemented by the
// monitor.
type Unscheduler interface {
	Unschedule(deploymentHash string)
}

// Archiver removes services and their external resources.
type Archiver struct {
	store   storage.Store
	driver  docker.Driver
	proxy   proxy.Configurator
	monitor Unscheduler
	broker  *events.Broker
	logger  zerolog.Logger

	removeBuilder func(ctx context.Context, env *types.Environment) error
}

// New builds an archiver. monitor may be nil when no monitor is running.
func New(store storage.Store, driver docker.Driver, pxy proxy.Configurator,
	monitor Unscheduler, broker *events.Broker) *Archiver {
	return &Archiver{
		store:         store,
		driver:        driver,
		proxy:         pxy,
		monitor:       monitor,
		broker:        broker,
		logger:        log.WithComponent("archive"),
		removeBuilder: build.RemoveBuilder,
	}
}

// ArchiveService unexposes and removes a service, records a tombstone with
// its tear-down manifest, and deletes the live row.
func (a *Archiver) ArchiveService(ctx context.Context, serviceID string) error {
	svc, err := a.store.GetService(serviceID)
	if err != nil {
		return err
	}
	deployments, err := a.store.ListDeployments(serviceID)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	manifest := &storage.TeardownManifest{}
	// A service that never deployed holds no external resources.
	if len(deployments) > 0 {
		if err := a.teardownService(ctx, svc, deployments, manifest); err != nil {
			return err
		}
	}

	if err := a.store.ArchiveService(&storage.ArchivedService{
		Service:  svc,
		Manifest: manifest,
	}); err != nil {
		return fmt.Errorf("failed to record archived service: %w", err)
	}
	if err := a.store.DeleteService(serviceID); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}

	a.broker.Publish(&events.Event{
		Type:      events.EventServiceArchived,
		ServiceID: svc.ID,
		Message:   fmt.Sprintf("service %s archived", svc.Slug),
	})
	a.logger.Info().
		Str("service_id", svc.ID).
		Str("slug", svc.Slug).
		Int("deployments", len(deployments)).
		Msg("service archived")
	return nil
}

// teardownService removes every external resource the service holds, in
// traffic-first order: routes, then monitors, then swarm services, then
// volumes and configs.
func (a *Archiver) teardownService(ctx context.Context, svc *types.Service,
	deployments []*types.Deployment, manifest *storage.TeardownManifest) error {

	for _, u := range svc.URLs {
		id := proxy.ServiceURLID(svc.ID, u.Domain, u.BasePath)
		if err := a.proxy.RemoveRoute(ctx, id); err != nil {
			return fmt.Errorf("failed to remove route %s: %w", id, err)
		}
		manifest.URLIDs = append(manifest.URLIDs, id)
	}

	for _, dep := range deployments {
		if a.monitor != nil {
			a.monitor.Unschedule(dep.Hash)
		}
		// Preview routes are keyed by deployment hash.
		if err := a.proxy.RemoveRoutesByPrefix(ctx, dep.Hash); err != nil {
			return fmt.Errorf("failed to remove preview routes of %s: %w", dep.Hash, err)
		}
		manifest.DeploymentHashes = append(manifest.DeploymentHashes, dep.Hash)

		name := dep.SwarmServiceName()
		exists, err := a.driver.ServiceExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			if err := a.driver.ScaleService(ctx, name, 0); err != nil {
				return err
			}
			if err := a.driver.RemoveService(ctx, name); err != nil {
				return err
			}
		}
		if dep.IsCurrentProduction {
			manifest.SwarmServiceName = name
		}
	}

	for _, v := range svc.Volumes {
		if v.HostPath != "" {
			// Bind mounts have no docker volume behind them.
			continue
		}
		name := docker.VolumeName(v.ID)
		if err := a.driver.RemoveVolume(ctx, name); err != nil {
			return err
		}
		manifest.VolumeNames = append(manifest.VolumeNames, name)
	}
	for _, cfg := range svc.Configs {
		name := docker.ConfigName(cfg.ID, cfg.Version)
		id, found, err := a.driver.FindConfig(ctx, name)
		if err != nil {
			return err
		}
		if found {
			if err := a.driver.RemoveConfig(ctx, id); err != nil {
				return err
			}
		}
		manifest.ConfigNames = append(manifest.ConfigNames, name)
	}
	return nil
}

// ArchiveEnvironment archives every service of the environment, removes its
// builder and overlay network, and deletes it. The production environment
// cannot be archived on its own.
func (a *Archiver) ArchiveEnvironment(ctx context.Context, environmentID string) error {
	env, err := a.store.GetEnvironment(environmentID)
	if err != nil {
		return err
	}
	if env.Name == types.ProductionEnv {
		return types.Conflictf("the production environment cannot be archived")
	}
	return a.archiveEnvironment(ctx, env)
}

func (a *Archiver) archiveEnvironment(ctx context.Context, env *types.Environment) error {
	services, err := a.store.ListServices(env.ID)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	serviceIDs := make([]string, 0, len(services))
	for _, svc := range services {
		svc := svc
		serviceIDs = append(serviceIDs, svc.ID)
		g.Go(func() error {
			return a.ArchiveService(gctx, svc.ID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.removeBuilder(ctx, env); err != nil {
		return fmt.Errorf("failed to remove builder: %w", err)
	}
	if err := a.driver.RemoveNetwork(ctx, env.NetworkName()); err != nil {
		return err
	}

	if err := a.store.ArchiveEnvironment(&storage.ArchivedEnvironment{
		Environment: env,
		ServiceIDs:  serviceIDs,
	}); err != nil {
		return fmt.Errorf("failed to record archived environment: %w", err)
	}
	if err := a.store.DeleteEnvironment(env.ID); err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}

	a.broker.Publish(&events.Event{
		Type:    events.EventEnvironmentArchived,
		Message: fmt.Sprintf("environment %s archived", env.Name),
		Metadata: map[string]string{
			"environment_id": env.ID,
			"project_id":     env.ProjectID,
		},
	})
	a.logger.Info().
		Str("environment_id", env.ID).
		Str("name", env.Name).
		Int("services", len(serviceIDs)).
		Msg("environment archived")
	return nil
}

// ArchiveProject archives every environment of a project, production
// included, then deletes the project itself.
func (a *Archiver) ArchiveProject(ctx context.Context, projectID string) error {
	project, err := a.store.GetProject(projectID)
	if err != nil {
		return err
	}
	envs, err := a.store.ListEnvironments(projectID)
	if err != nil {
		return fmt.Errorf("failed to list environments: %w", err)
	}
	for _, env := range envs {
		if err := a.archiveEnvironment(ctx, env); err != nil {
			return err
		}
	}
	if err := a.store.DeleteProject(projectID); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	a.logger.Info().
		Str("project_id", projectID).
		Str("slug", project.Slug).
		Int("environments", len(envs)).
		Msg("project archived")
	return nil
}
