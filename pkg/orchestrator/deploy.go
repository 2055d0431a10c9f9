package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/zane-ops/zane/pkg/build"
	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/locker"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/workflow"
)

// DeploymentStep is the totally-ordered progress marker of a rollout. The
// cancellation handler compensates every step at or below the marker, in
// reverse order.
type DeploymentStep int

const (
	StepInitialized DeploymentStep = iota
	StepCloningRepository
	StepRepositoryCloned
	StepBuildingImage
	StepImageBuilt
	StepVolumesCreated
	StepConfigsCreated
	StepPreviousScaledDown
	StepSwarmServiceCreated
	StepDeploymentExposedToHTTP
	StepServiceExposedToHTTP
	StepFinished
)

// configRef records a daemon config created (or found) for a deployment.
type configRef struct {
	ID        string
	Name      string
	MountPath string
	Created   bool
}

// healthResult is the outcome of the deployment health gate.
type healthResult struct {
	Healthy bool
	Reason  string
}

// deployRun is the in-memory state of one workflow execution. It is rebuilt
// identically on replay because every step result is journaled.
type deployRun struct {
	service *types.Service
	env     *types.Environment
	dep     *types.Deployment
	snap    *types.Snapshot
	prev    *types.Deployment

	step           DeploymentStep
	scaledDownPrev bool
	createdVolumes []string
	configs        []configRef
	buildDir       string
}

// runDeployment is the workflow body for one deployment.
func (o *Orchestrator) runDeployment(wc *workflow.Context, serviceID, hash string) error {
	dep, err := o.store.GetDeployment(hash)
	if err != nil {
		return err
	}
	if dep.Status.IsTerminal() {
		return nil
	}

	service, err := o.store.GetService(serviceID)
	if err != nil {
		return err
	}
	env, err := o.store.GetEnvironment(service.EnvironmentID)
	if err != nil {
		return err
	}

	run := &deployRun{service: service, env: env, dep: dep, snap: dep.Snapshot}

	// Cross-deployment serialisation per service. The semaphore is process
	// state, never journaled: a resumed workflow must re-acquire it.
	acquireCtx, cancelAcquire := context.WithCancel(wc.Ctx())
	go func() {
		select {
		case <-wc.CancelSignal():
			cancelAcquire()
		case <-acquireCtx.Done():
		}
	}()
	err = o.locks.Acquire(acquireCtx, locker.DeployKey(serviceID), hash)
	cancelAcquire()
	if err != nil {
		if wc.CancelRequested() {
			// The queue drain still happens: a cancel delivered while
			// waiting on the semaphore must not strand queued deployments.
			if ferr := o.finaliseCancelled(wc, run); ferr != nil {
				return ferr
			}
			return o.cleanup(wc, run)
		}
		return err
	}
	defer o.locks.Release(locker.DeployKey(serviceID), hash)

	if wc.CancelRequested() {
		if ferr := o.finaliseCancelled(wc, run); ferr != nil {
			return ferr
		}
		return o.cleanup(wc, run)
	}

	err = o.executeDeploy(wc, run)
	switch {
	case err == nil:
		// terminal status already persisted
	case errors.Is(err, types.ErrCancelled):
		if cerr := o.compensateCancellation(wc, run); cerr != nil {
			return cerr
		}
	case types.IsFatal(err):
		return err
	default:
		if ferr := o.finaliseFailed(wc, run, err); ferr != nil {
			return ferr
		}
	}

	return o.cleanup(wc, run)
}

// executeDeploy walks the happy path. It returns types.ErrCancelled when a
// cancel signal interrupted it, any other error for a failed rollout, and
// nil once the deployment reached a terminal healthy/unhealthy status.
func (o *Orchestrator) executeDeploy(wc *workflow.Context, run *deployRun) error {
	dep, snap := run.dep, run.snap

	if err := wc.Step("mark-preparing", workflow.StepOptions{}, func(ctx context.Context) error {
		now := time.Now().UTC()
		dep.StartedAt = &now
		return o.setStatus(dep, types.DeploymentPreparing, "")
	}); err != nil {
		return err
	}
	o.broker.Publish(&events.Event{
		Type:      events.EventDeploymentStarted,
		ServiceID: dep.ServiceID,
		Hash:      dep.Hash,
	})

	prevHash, err := workflow.StepValue(wc, "resolve-previous", workflow.StepOptions{},
		func(ctx context.Context) (string, error) {
			prev, err := o.store.CurrentProduction(dep.ServiceID)
			if err != nil {
				return "", err
			}
			if prev == nil {
				return "", nil
			}
			return prev.Hash, nil
		})
	if err != nil {
		return err
	}
	if prevHash != "" {
		if run.prev, err = o.store.GetDeployment(prevHash); err != nil {
			return err
		}
	}

	if snap.Type == types.ServiceTypeGit {
		if err := o.buildPhase(wc, run); err != nil {
			return err
		}
	}
	if err := o.checkCancel(wc); err != nil {
		return err
	}

	if err := o.createVolumes(wc, run); err != nil {
		return err
	}
	run.step = StepVolumesCreated
	if err := o.checkCancel(wc); err != nil {
		return err
	}

	if err := o.createConfigs(wc, run); err != nil {
		return err
	}
	run.step = StepConfigsCreated
	if err := o.checkCancel(wc); err != nil {
		return err
	}

	if err := o.scaleDownPrevious(wc, run); err != nil {
		return err
	}
	run.step = StepPreviousScaledDown
	if err := o.checkCancel(wc); err != nil {
		return err
	}

	if snap.Type == types.ServiceTypeDockerImage {
		if err := wc.Step("pull-image", workflow.StepOptions{
			Cancellable: true,
			Timeout:     o.cfg.Timeouts.ImagePull,
			MaxAttempts: 3,
		}, func(ctx context.Context) error {
			return o.driver.PullImage(ctx, snap.Image, snap.Credentials)
		}); err != nil {
			return err
		}
	}
	if err := o.checkCancel(wc); err != nil {
		return err
	}

	if err := o.createSwarmService(wc, run); err != nil {
		return err
	}
	run.step = StepSwarmServiceCreated
	if err := o.checkCancel(wc); err != nil {
		return err
	}

	if err := o.exposeDeployment(wc, run); err != nil {
		return err
	}
	run.step = StepDeploymentExposedToHTTP
	if err := o.checkCancel(wc); err != nil {
		return err
	}

	health, err := workflow.StepValue(wc, "healthcheck", workflow.StepOptions{
		Cancellable:      true,
		Timeout:          snap.Healthcheck.Timeout() + 5*time.Second,
		HeartbeatTimeout: 30 * time.Second,
		MaxAttempts:      1,
	}, func(ctx context.Context) (healthResult, error) {
		return o.healthGate(ctx, wc, run)
	})
	if err != nil {
		return err
	}

	if !health.Healthy {
		return o.finaliseUnhealthy(wc, run, health.Reason)
	}

	if err := o.exposeService(wc, run); err != nil {
		return err
	}
	run.step = StepServiceExposedToHTTP
	if err := o.checkCancel(wc); err != nil {
		return err
	}

	if err := o.cleanupPrevious(wc, run); err != nil {
		return err
	}
	if err := o.finaliseHealthy(wc, run); err != nil {
		return err
	}
	run.step = StepFinished
	return nil
}

func (o *Orchestrator) checkCancel(wc *workflow.Context) error {
	if wc.CancelRequested() {
		return types.ErrCancelled
	}
	return nil
}

// buildPhase clones the repository, synthesises the builder plan, and
// produces the deployment image.
func (o *Orchestrator) buildPhase(wc *workflow.Context, run *deployRun) error {
	dep, snap := run.dep, run.snap
	repo := snap.Repository

	if err := wc.Step("mark-building", workflow.StepOptions{}, func(ctx context.Context) error {
		now := time.Now().UTC()
		dep.BuildStartedAt = &now
		return o.setStatus(dep, types.DeploymentBuilding, "")
	}); err != nil {
		return err
	}

	run.buildDir = filepath.Join(o.cfg.DataDir, "builds", dep.Hash)
	run.step = StepCloningRepository

	cloneRes, err := workflow.StepValue(wc, "clone-repository", workflow.StepOptions{
		Cancellable: true,
		Timeout:     o.cfg.Timeouts.ImageBuild,
		MaxAttempts: 3,
	}, func(ctx context.Context) (*build.CloneResult, error) {
		return o.cloneFn(ctx, run.buildDir, build.CloneOptions{
			RepositoryURL: repo.RepositoryURL,
			Branch:        repo.Branch,
			CommitSHA:     repo.CommitSHA,
		})
	})
	if err != nil {
		return err
	}
	run.step = StepRepositoryCloned

	if err := wc.Step("record-commit", workflow.StepOptions{}, func(ctx context.Context) error {
		dep.CommitSHA = cloneRes.CommitSHA
		dep.CommitAuthor = cloneRes.CommitAuthor
		dep.CommitMessage = cloneRes.CommitMessage
		return o.store.UpdateDeployment(dep)
	}); err != nil {
		return err
	}

	buildVars := o.resolveVariables(run)

	// Builder containers cannot resolve swarm service DNS, so sibling
	// aliases in build variables are substituted with their virtual IPs.
	if repo.Builder == types.BuilderRailpack {
		vips, err := o.driver.ResolveServiceVIPs(wc.Ctx(), run.env.NetworkName())
		if err != nil {
			o.logger.Warn().Err(err).
				Str("deployment_hash", dep.Hash).
				Msg("failed to resolve sibling service VIPs, build variables keep their aliases")
		}
		for key, value := range buildVars {
			for alias, ip := range vips {
				value = strings.ReplaceAll(value, alias, ip)
			}
			buildVars[key] = value
		}
	}

	run.step = StepBuildingImage

	plan, err := workflow.StepValue(wc, "synthesise-plan", workflow.StepOptions{
		Cancellable: true,
		MaxAttempts: 2,
	}, func(ctx context.Context) (*build.Plan, error) {
		return o.planner.Synthesise(ctx, run.buildDir, repo, buildVars)
	})
	if err != nil {
		return err
	}

	if err := wc.Step("ensure-builder", workflow.StepOptions{MaxAttempts: 3},
		func(ctx context.Context) error {
			return o.builderFn(ctx, run.env)
		}); err != nil {
		return err
	}

	if _, err := workflow.StepValue(wc, "build-image", workflow.StepOptions{
		Cancellable:      true,
		Timeout:          o.cfg.Timeouts.ImageBuild,
		HeartbeatTimeout: 2 * time.Minute,
		MaxAttempts:      1,
	}, func(ctx context.Context) (string, error) {
		wc.Heartbeat()
		return o.buildFn(ctx, o.sink, build.ImageRequest{
			ServiceID:      snap.ServiceID,
			DeploymentID:   dep.Hash,
			EnvironmentID:  snap.EnvironmentID,
			BuilderName:    run.env.BuilderName(),
			Plan:           plan,
			Tag:            dep.ImageTag,
			BuildArgs:      buildVars,
			NoCache:        dep.IgnoreBuildCache,
			Labels: map[string]string{
				docker.LabelManaged:        "true",
				docker.LabelParentID:       snap.ServiceID,
				docker.LabelDeploymentHash: dep.Hash,
			},
		})
	}); err != nil {
		return err
	}
	run.step = StepImageBuilt

	return wc.Step("mark-built", workflow.StepOptions{}, func(ctx context.Context) error {
		now := time.Now().UTC()
		dep.BuildFinishedAt = &now
		return o.store.UpdateDeployment(dep)
	})
}

func (o *Orchestrator) createVolumes(wc *workflow.Context, run *deployRun) error {
	created, err := workflow.StepValue(wc, "create-volumes", workflow.StepOptions{MaxAttempts: 3},
		func(ctx context.Context) ([]string, error) {
			var created []string
			for _, v := range run.snap.Volumes {
				if v.HostPath != "" {
					continue
				}
				name := volumeResourceName(v)
				exists, err := o.driver.VolumeExists(ctx, name)
				if err != nil {
					return nil, err
				}
				if exists {
					continue
				}
				if err := o.driver.CreateVolume(ctx, name, map[string]string{
					docker.LabelParentID:       run.snap.ServiceID,
					docker.LabelDeploymentHash: run.dep.Hash,
					docker.LabelEnvironmentID:  run.snap.EnvironmentID,
				}); err != nil {
					return nil, err
				}
				created = append(created, name)
			}
			return created, nil
		})
	if err != nil {
		return err
	}
	run.createdVolumes = created
	return nil
}

func (o *Orchestrator) createConfigs(wc *workflow.Context, run *deployRun) error {
	refs, err := workflow.StepValue(wc, "create-configs", workflow.StepOptions{MaxAttempts: 3},
		func(ctx context.Context) ([]configRef, error) {
			var refs []configRef
			for _, cfg := range run.snap.Configs {
				name := configResourceName(cfg)
				id, found, err := o.driver.FindConfig(ctx, name)
				if err != nil {
					return nil, err
				}
				if !found {
					id, err = o.driver.CreateConfig(ctx, name, []byte(cfg.Contents), map[string]string{
						docker.LabelParentID:       run.snap.ServiceID,
						docker.LabelDeploymentHash: run.dep.Hash,
					})
					if err != nil {
						return nil, err
					}
				}
				refs = append(refs, configRef{
					ID:        id,
					Name:      name,
					MountPath: cfg.MountPath,
					Created:   !found,
				})
			}
			return refs, nil
		})
	if err != nil {
		return err
	}
	run.configs = refs
	return nil
}

// scaleDownPrevious stops the previous production rollout when the new
// snapshot needs exclusive resources (host ports, writable volumes). Pure
// HTTP rollouts overlap blue/green instead.
func (o *Orchestrator) scaleDownPrevious(wc *workflow.Context, run *deployRun) error {
	if run.prev == nil || run.prev.Status == types.DeploymentFailed {
		return nil
	}
	if !run.snap.HasNonHTTPPorts() && !run.snap.HasReadWriteVolumes() {
		return nil
	}

	if err := wc.Step("scale-down-previous", workflow.StepOptions{
		Timeout:     o.cfg.Timeouts.ScaleDeploy,
		MaxAttempts: 3,
	}, func(ctx context.Context) error {
		return o.driver.ScaleService(ctx, run.prev.SwarmServiceName(), 0)
	}); err != nil {
		return err
	}
	run.scaledDownPrev = true
	return nil
}

func (o *Orchestrator) createSwarmService(wc *workflow.Context, run *deployRun) error {
	dep := run.dep

	if err := wc.Step("mark-starting", workflow.StepOptions{}, func(ctx context.Context) error {
		return o.setStatus(dep, types.DeploymentStarting, "")
	}); err != nil {
		return err
	}

	return wc.Step("create-swarm-service", workflow.StepOptions{
		Timeout:     o.cfg.Timeouts.ScaleDeploy,
		MaxAttempts: 3,
	}, func(ctx context.Context) error {
		// The environment network is created on first need.
		if _, err := o.driver.EnsureNetwork(ctx, run.env.NetworkName(), map[string]string{
			docker.LabelEnvironmentID: run.env.ID,
		}); err != nil {
			return err
		}
		spec := o.swarmSpec(run)
		exists, err := o.driver.ServiceExists(ctx, spec.Name)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := o.driver.CreateService(ctx, spec); err != nil {
				return err
			}
		}
		dep.SwarmCreated = true
		return o.store.UpdateDeployment(dep)
	})
}

// swarmSpec translates the snapshot into the driver's service spec.
func (o *Orchestrator) swarmSpec(run *deployRun) docker.ServiceSpec {
	dep, snap := run.dep, run.snap

	spec := docker.ServiceSpec{
		Name:  dep.SwarmServiceName(),
		Image: dep.ImageTag,
		Labels: map[string]string{
			docker.LabelParentID:       snap.ServiceID,
			docker.LabelDeploymentHash: dep.Hash,
			docker.LabelEnvironmentID:  snap.EnvironmentID,
		},
		ContainerLabels: map[string]string{
			docker.LabelParentID:       snap.ServiceID,
			docker.LabelDeploymentHash: dep.Hash,
		},
		NetworkName: run.env.NetworkName(),
		Aliases:     []string{snap.NetworkAlias, dep.NetworkAlias},
		Resources:   snap.Resources,
	}

	vars := o.resolveVariables(run)
	for key, value := range vars {
		spec.Env = append(spec.Env, key+"="+value)
	}
	if snap.Command != "" {
		spec.Command = strings.Fields(snap.Command)
	}

	for _, v := range snap.Volumes {
		spec.Mounts = append(spec.Mounts, docker.MountSpec{
			VolumeName:    volumeResourceName(v),
			HostPath:      v.HostPath,
			ContainerPath: v.ContainerPath,
			ReadOnly:      v.Mode == types.VolumeModeReadOnly,
		})
	}
	for _, ref := range run.configs {
		spec.Configs = append(spec.Configs, docker.ConfigMount{
			ConfigID:   ref.ID,
			ConfigName: ref.Name,
			MountPath:  ref.MountPath,
		})
	}
	for _, p := range snap.Ports {
		if p.HostPort != nil {
			spec.Ports = append(spec.Ports, docker.PortSpec{
				HostPort:      *p.HostPort,
				ContainerPort: p.Forwarded,
			})
		}
	}

	if o.cfg.FluentdAddress != "" {
		spec.LogDriver = &docker.LogDriver{
			Name: "fluentd",
			Options: map[string]string{
				"fluentd-address": o.cfg.FluentdAddress,
				"mode":            "non-blocking",
				"tag": fmt.Sprintf(`{"service_type":%q,"service_id":%q,"deployment_id":%q}`,
					snap.Type, snap.ServiceID, dep.Hash),
			},
		}
	}
	return spec
}

// resolveVariables merges environment-scoped variables under service-level
// overrides and stamps the ambient Zane variables.
func (o *Orchestrator) resolveVariables(run *deployRun) map[string]string {
	vars := map[string]string{
		"ZANE":                 "true",
		"ZANE_DEPLOYMENT_HASH": run.dep.Hash,
		"ZANE_DEPLOYMENT_SLOT": string(run.dep.Slot),
		"ZANE_ENVIRONMENT":     run.env.Name,
		"ZANE_SERVICE_ID":      run.snap.ServiceID,
	}
	for _, v := range run.env.Variables {
		vars[v.Key] = v.Value
	}
	for _, v := range run.snap.EnvVariables {
		vars[v.Key] = v.Value
	}
	return vars
}

// exposeDeployment installs the authenticated per-deployment preview route.
func (o *Orchestrator) exposeDeployment(wc *workflow.Context, run *deployRun) error {
	dep, snap := run.dep, run.snap
	if len(snap.URLs) == 0 {
		return nil
	}
	port := snap.HTTPPort()
	if port == 0 {
		for _, u := range snap.URLs {
			if !u.IsRedirect() {
				port = u.AssociatedPort
				break
			}
		}
	}
	if port == 0 {
		return nil
	}

	domain := previewDomain(dep.Hash, o.cfg.RootDomain)
	return wc.Step("expose-deployment", workflow.StepOptions{
		Cancellable: true,
		Timeout:     o.cfg.Timeouts.ProxyWrite * 4,
		MaxAttempts: 3,
	}, func(ctx context.Context) error {
		route, err := proxy.BuildRoute(proxy.DeploymentURLID(dep.Hash, domain), types.URL{
			Domain:         domain,
			BasePath:       "/",
			StripPrefix:    true,
			AssociatedPort: port,
		}, proxy.RouteOptions{
			Upstream:       fmt.Sprintf("%s:%d", dep.NetworkAlias, port),
			DeploymentHash: dep.Hash,
			DeploymentSlot: dep.Slot,
			ForwardAuthURL: o.cfg.FrontendAuthURL,
		})
		if err != nil {
			return err
		}
		return o.proxy.UpsertRoute(ctx, route)
	})
}

// exposeService flips every public URL to the new deployment. This is the
// commit point of the blue/green rollout.
func (o *Orchestrator) exposeService(wc *workflow.Context, run *deployRun) error {
	if len(run.snap.URLs) == 0 {
		return nil
	}
	return wc.Step("expose-service", workflow.StepOptions{
		Timeout:     o.cfg.Timeouts.ProxyWrite * 4,
		MaxAttempts: 3,
	}, func(ctx context.Context) error {
		return o.upsertServiceRoutes(ctx, run.snap, run.dep, run.env)
	})
}

func (o *Orchestrator) upsertServiceRoutes(ctx context.Context, snap *types.Snapshot,
	dep *types.Deployment, env *types.Environment) error {
	for _, u := range snap.URLs {
		opts := proxy.RouteOptions{
			DeploymentHash: dep.Hash,
			DeploymentSlot: dep.Slot,
		}
		if !u.IsRedirect() {
			opts.Upstream = fmt.Sprintf("%s:%d", dep.NetworkAlias, u.AssociatedPort)
		}
		if env.IsPreview {
			opts.PreviewAuth = env.PreviewAuth
		}
		route, err := proxy.BuildRoute(
			proxy.ServiceURLID(snap.ServiceID, u.Domain, u.BasePath), u, opts)
		if err != nil {
			return err
		}
		if err := o.proxy.UpsertRoute(ctx, route); err != nil {
			return err
		}
	}
	return nil
}

// cleanupPrevious retires the previous production deployment after a
// healthy flip: schedules, swarm service and unreferenced resources.
func (o *Orchestrator) cleanupPrevious(wc *workflow.Context, run *deployRun) error {
	prev := run.prev
	if prev == nil {
		return nil
	}
	return wc.Step("cleanup-previous", workflow.StepOptions{MaxAttempts: 3},
		func(ctx context.Context) error {
			if o.monitor != nil {
				o.monitor.Unschedule(prev.Hash)
			}

			if err := o.driver.ScaleService(ctx, prev.SwarmServiceName(), 0); err != nil {
				return err
			}
			if err := o.driver.RemoveService(ctx, prev.SwarmServiceName()); err != nil {
				return err
			}
			if err := o.proxy.RemoveRoutesByPrefix(ctx, prev.Hash); err != nil {
				return err
			}

			if prev.Snapshot != nil {
				for _, v := range prev.Snapshot.Volumes {
					if v.HostPath != "" || snapshotHasVolume(run.snap, v.ID) {
						continue
					}
					if err := o.driver.RemoveVolume(ctx, volumeResourceName(v)); err != nil {
						return err
					}
				}
				for _, cfg := range prev.Snapshot.Configs {
					if snapshotHasConfig(run.snap, cfg.ID, cfg.Version) {
						continue
					}
					name := configResourceName(cfg)
					if id, found, err := o.driver.FindConfig(ctx, name); err == nil && found {
						if err := o.driver.RemoveConfig(ctx, id); err != nil {
							return err
						}
					}
				}
				for _, u := range prev.Snapshot.URLs {
					if snapshotHasURL(run.snap, u.Domain, u.BasePath) {
						continue
					}
					id := proxy.ServiceURLID(prev.Snapshot.ServiceID, u.Domain, u.BasePath)
					if err := o.proxy.RemoveRoute(ctx, id); err != nil {
						return err
					}
				}
			}

			prev.Status = types.DeploymentRemoved
			prev.StatusReason = "superseded by " + run.dep.Hash
			return o.store.UpdateDeployment(prev)
		})
}

func (o *Orchestrator) finaliseHealthy(wc *workflow.Context, run *deployRun) error {
	dep := run.dep
	return wc.Step("finalise-healthy", workflow.StepOptions{}, func(ctx context.Context) error {
		if err := o.store.SetCurrentProduction(dep.ServiceID, dep.Hash); err != nil {
			return err
		}
		dep.IsCurrentProduction = true
		now := time.Now().UTC()
		dep.FinishedAt = &now
		if err := o.setStatus(dep, types.DeploymentHealthy, ""); err != nil {
			return err
		}

		service, err := o.store.GetService(dep.ServiceID)
		if err != nil {
			return err
		}
		service.DeployedAt = &now
		if err := o.store.UpdateService(service); err != nil {
			return err
		}

		if o.monitor != nil {
			o.monitor.Schedule(dep)
		}
		return nil
	})
}

// finaliseUnhealthy tears the new rollout down and restores the previous
// production deployment when the health gate failed.
func (o *Orchestrator) finaliseUnhealthy(wc *workflow.Context, run *deployRun, reason string) error {
	dep := run.dep
	return wc.Step("finalise-unhealthy", workflow.StepOptions{MaxAttempts: 3},
		func(ctx context.Context) error {
			if err := o.driver.ScaleService(ctx, dep.SwarmServiceName(), 0); err != nil {
				return err
			}
			if err := o.driver.RemoveService(ctx, dep.SwarmServiceName()); err != nil {
				return err
			}
			if err := o.proxy.RemoveRoutesByPrefix(ctx, dep.Hash); err != nil {
				return err
			}
			if run.scaledDownPrev {
				if err := o.driver.ScaleService(ctx, run.prev.SwarmServiceName(), 1); err != nil {
					return err
				}
			}
			now := time.Now().UTC()
			dep.FinishedAt = &now
			return o.setStatus(dep, types.DeploymentUnhealthy, reason)
		})
}

// finaliseFailed marks the deployment failed and undoes the previous
// deployment's scale-down, mirroring the unhealthy path for errors that
// happened before the health gate.
func (o *Orchestrator) finaliseFailed(wc *workflow.Context, run *deployRun, cause error) error {
	dep := run.dep
	return wc.Step("finalise-failed", workflow.StepOptions{MaxAttempts: 3},
		func(ctx context.Context) error {
			if run.step >= StepSwarmServiceCreated {
				if err := o.driver.ScaleService(ctx, dep.SwarmServiceName(), 0); err != nil {
					return err
				}
				if err := o.driver.RemoveService(ctx, dep.SwarmServiceName()); err != nil {
					return err
				}
			}
			if run.step >= StepDeploymentExposedToHTTP {
				if err := o.proxy.RemoveRoutesByPrefix(ctx, dep.Hash); err != nil {
					return err
				}
			}
			if run.scaledDownPrev {
				if err := o.driver.ScaleService(ctx, run.prev.SwarmServiceName(), 1); err != nil {
					return err
				}
			}
			now := time.Now().UTC()
			dep.FinishedAt = &now
			return o.setStatus(dep, types.DeploymentFailed, cause.Error())
		})
}

// compensateCancellation unwinds, in reverse order, every side effect of
// the steps that completed before the cancel signal landed.
func (o *Orchestrator) compensateCancellation(wc *workflow.Context, run *deployRun) error {
	dep := run.dep

	if err := wc.Step("mark-cancelling", workflow.StepOptions{}, func(ctx context.Context) error {
		return o.setStatus(dep, types.DeploymentCancelling, "")
	}); err != nil {
		return err
	}

	if run.step >= StepServiceExposedToHTTP && run.prev != nil && run.prev.Snapshot != nil {
		prevEnv, err := o.store.GetEnvironment(run.prev.Snapshot.EnvironmentID)
		if err != nil {
			return err
		}
		if err := wc.Step("undo-expose-service", workflow.StepOptions{MaxAttempts: 3},
			func(ctx context.Context) error {
				return o.upsertServiceRoutes(ctx, run.prev.Snapshot, run.prev, prevEnv)
			}); err != nil {
			return err
		}
	}

	if run.step >= StepDeploymentExposedToHTTP {
		if err := wc.Step("undo-expose-deployment", workflow.StepOptions{MaxAttempts: 3},
			func(ctx context.Context) error {
				return o.proxy.RemoveRoutesByPrefix(ctx, dep.Hash)
			}); err != nil {
			return err
		}
	}

	if run.step >= StepSwarmServiceCreated {
		if err := wc.Step("undo-swarm-service", workflow.StepOptions{MaxAttempts: 3},
			func(ctx context.Context) error {
				if err := o.driver.ScaleService(ctx, dep.SwarmServiceName(), 0); err != nil {
					return err
				}
				return o.driver.RemoveService(ctx, dep.SwarmServiceName())
			}); err != nil {
			return err
		}
	}

	if run.step >= StepPreviousScaledDown && run.scaledDownPrev {
		if err := wc.Step("undo-scale-down", workflow.StepOptions{MaxAttempts: 3},
			func(ctx context.Context) error {
				return o.driver.ScaleService(ctx, run.prev.SwarmServiceName(), 1)
			}); err != nil {
			return err
		}
	}

	if run.step >= StepConfigsCreated {
		if err := wc.Step("undo-configs", workflow.StepOptions{MaxAttempts: 3},
			func(ctx context.Context) error {
				for _, ref := range run.configs {
					if !ref.Created {
						continue
					}
					if err := o.driver.RemoveConfig(ctx, ref.ID); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
			return err
		}
	}

	if run.step >= StepVolumesCreated {
		if err := wc.Step("undo-volumes", workflow.StepOptions{MaxAttempts: 3},
			func(ctx context.Context) error {
				for _, name := range run.createdVolumes {
					if err := o.driver.RemoveVolume(ctx, name); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
			return err
		}
	}

	return o.finaliseCancelled(wc, run)
}

func (o *Orchestrator) finaliseCancelled(wc *workflow.Context, run *deployRun) error {
	return wc.Step("finalise-cancelled", workflow.StepOptions{}, func(ctx context.Context) error {
		now := time.Now().UTC()
		run.dep.FinishedAt = &now
		return o.setStatus(run.dep, types.DeploymentCancelled, "Deployment cancelled.")
	})
}

// cleanup is step 19: temp directory removal and queue drain. The deploy
// semaphore is released by the caller's defer.
func (o *Orchestrator) cleanup(wc *workflow.Context, run *deployRun) error {
	if run.buildDir != "" {
		if err := build.Cleanup(run.buildDir); err != nil {
			o.logger.Warn().Err(err).Msg("failed to remove build directory")
		}
	}

	next, err := o.store.NextQueued(run.dep.ServiceID)
	if err != nil {
		return fmt.Errorf("failed to look up queued deployments: %w", err)
	}
	if next != nil && next.Hash != run.dep.Hash && !o.engine.IsRunning(workflowID(next.Hash)) {
		o.logger.Info().
			Str("service_id", run.dep.ServiceID).
			Str("deployment_hash", next.Hash).
			Msg("continuing with next queued deployment")
		return o.startWorkflow(wc.Ctx(), run.dep.ServiceID, next.Hash)
	}
	return nil
}

func volumeResourceName(v types.Volume) string {
	return docker.VolumeName(v.ID)
}

func configResourceName(c types.Config) string {
	return docker.ConfigName(c.ID, c.Version)
}

func snapshotHasVolume(s *types.Snapshot, id string) bool {
	for _, v := range s.Volumes {
		if v.ID == id {
			return true
		}
	}
	return false
}

func snapshotHasConfig(s *types.Snapshot, id string, version int) bool {
	for _, c := range s.Configs {
		if c.ID == id && c.Version == version {
			return true
		}
	}
	return false
}

func snapshotHasURL(s *types.Snapshot, domain, basePath string) bool {
	for _, u := range s.URLs {
		if u.Domain == domain && u.BasePath == basePath {
			return true
		}
	}
	return false
}

// previewDomain derives the per-deployment preview hostname. Underscores
// are not valid in hostnames, so the hash prefix is flattened.
func previewDomain(hash, rootDomain string) string {
	return strings.ReplaceAll(hash, "_", "-") + "." + rootDomain
}
