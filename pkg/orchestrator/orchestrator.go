// Package orchestrator drives deployments end to end: one durable workflow
// per (service, deployment) that builds, rolls out, health-gates and
// finalises a snapshot, with reverse compensation on cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/build"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/locker"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/logsink"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/workflow"
)

// MonitorScheduler installs and removes per-deployment health/metrics
// schedules. Implemented by the health monitor.
type MonitorScheduler interface {
	Schedule(dep *types.Deployment)
	Unschedule(deploymentHash string)
}

// CloneFunc, BuildFunc and EnsureBuilderFunc are the build toolchain entry
// points, injectable for tests.
type (
	CloneFunc         func(ctx context.Context, dir string, opts build.CloneOptions) (*build.CloneResult, error)
	BuildFunc         func(ctx context.Context, sink logsink.Sink, req build.ImageRequest) (string, error)
	EnsureBuilderFunc func(ctx context.Context, env *types.Environment) error
)

// Orchestrator owns the deployment workflows of every service.
type Orchestrator struct {
	store   storage.Store
	driver  docker.Driver
	proxy   proxy.Configurator
	sink    logsink.Sink
	broker  *events.Broker
	locks   *locker.Registry
	engine  *workflow.Engine
	cfg     *config.Config
	monitor MonitorScheduler
	logger  zerolog.Logger

	planner    *build.Planner
	cloneFn    CloneFunc
	buildFn    BuildFunc
	builderFn  EnsureBuilderFunc
	httpClient *http.Client
}

// New wires an orchestrator. monitor may be nil (no schedules installed).
func New(store storage.Store, driver docker.Driver, px proxy.Configurator,
	sink logsink.Sink, broker *events.Broker, locks *locker.Registry,
	engine *workflow.Engine, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:      store,
		driver:     driver,
		proxy:      px,
		sink:       sink,
		broker:     broker,
		locks:      locks,
		engine:     engine,
		cfg:        cfg,
		logger:     log.WithComponent("orchestrator"),
		planner:    &build.Planner{},
		cloneFn:    build.Clone,
		buildFn:    build.BuildImage,
		builderFn:  build.EnsureBuilder,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetMonitor installs the health monitor scheduler.
func (o *Orchestrator) SetMonitor(m MonitorScheduler) { o.monitor = m }

// SetBuildToolchain overrides the clone/plan/build functions, for tests.
func (o *Orchestrator) SetBuildToolchain(clone CloneFunc, planner *build.Planner,
	buildImage BuildFunc, ensureBuilder EnsureBuilderFunc) {
	if clone != nil {
		o.cloneFn = clone
	}
	if planner != nil {
		o.planner = planner
	}
	if buildImage != nil {
		o.buildFn = buildImage
	}
	if ensureBuilder != nil {
		o.builderFn = ensureBuilder
	}
}

func workflowID(deploymentHash string) string {
	return "deploy:" + deploymentHash
}

// Enqueue starts the deployment workflow for a freshly applied deployment.
// When configured, previously queued deployments of the same service that
// have not started yet are cancelled first.
func (o *Orchestrator) Enqueue(ctx context.Context, dep *types.Deployment) error {
	if o.cfg.CancelQueuedOnDeploy {
		deployments, err := o.store.ListDeployments(dep.ServiceID)
		if err != nil {
			return fmt.Errorf("failed to list deployments: %w", err)
		}
		for _, other := range deployments {
			if other.Hash == dep.Hash || other.Status != types.DeploymentQueued {
				continue
			}
			o.engine.Cancel(workflowID(other.Hash))
		}
	}

	o.broker.Publish(&events.Event{
		Type:      events.EventDeploymentQueued,
		ServiceID: dep.ServiceID,
		Hash:      dep.Hash,
	})
	return o.startWorkflow(ctx, dep.ServiceID, dep.Hash)
}

// Cancel delivers a cancellation signal to a running deployment. A
// deployment whose workflow already finished cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, deploymentHash string) error {
	dep, err := o.store.GetDeployment(deploymentHash)
	if err != nil {
		return err
	}
	if dep.Status.IsTerminal() || !o.engine.IsRunning(workflowID(deploymentHash)) {
		return types.Fatalf("already finished")
	}
	o.engine.Cancel(workflowID(deploymentHash))
	return nil
}

// Resume restarts the workflows of every non-terminal deployment after a
// process restart. Journaled steps are skipped on replay. A deployment that
// was mid-cancellation gets the cancel signal re-delivered, since the signal
// itself is process state and does not survive the crash.
func (o *Orchestrator) Resume(ctx context.Context) error {
	services, err := o.store.ListAllServices()
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	for _, svc := range services {
		deployments, err := o.store.ListDeployments(svc.ID)
		if err != nil {
			return fmt.Errorf("failed to list deployments: %w", err)
		}
		for _, dep := range deployments {
			if dep.Status.IsTerminal() {
				continue
			}
			o.logger.Info().
				Str("service_id", svc.ID).
				Str("deployment_hash", dep.Hash).
				Str("status", string(dep.Status)).
				Msg("resuming interrupted deployment")
			cancelled := dep.Status == types.DeploymentCancelling
			if err := o.resumeWorkflow(ctx, svc.ID, dep.Hash, cancelled); err != nil {
				return err
			}
		}
	}
	return nil
}

// Wait blocks until the deployment's workflow finishes, for CLI callers.
func (o *Orchestrator) Wait(ctx context.Context, deploymentHash string) error {
	return o.engine.Wait(ctx, workflowID(deploymentHash))
}

func (o *Orchestrator) startWorkflow(ctx context.Context, serviceID, hash string) error {
	return o.resumeWorkflow(ctx, serviceID, hash, false)
}

func (o *Orchestrator) resumeWorkflow(ctx context.Context, serviceID, hash string, cancelled bool) error {
	start := o.engine.Start
	if cancelled {
		start = o.engine.StartCancelled
	}
	return start(ctx, workflowID(hash), func(wc *workflow.Context) error {
		return o.runDeployment(wc, serviceID, hash)
	}, nil)
}

// setStatus persists a deployment status transition and emits it.
func (o *Orchestrator) setStatus(dep *types.Deployment, status types.DeploymentStatus, reason string) error {
	dep.Status = status
	dep.StatusReason = reason
	if err := o.store.UpdateDeployment(dep); err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}

	eventType := events.EventDeploymentStep
	switch status {
	case types.DeploymentHealthy:
		eventType = events.EventDeploymentHealthy
	case types.DeploymentUnhealthy:
		eventType = events.EventDeploymentUnhealthy
	case types.DeploymentFailed:
		eventType = events.EventDeploymentFailed
	case types.DeploymentCancelled:
		eventType = events.EventDeploymentCancelled
	}
	o.broker.Publish(&events.Event{
		Type:      eventType,
		ServiceID: dep.ServiceID,
		Hash:      dep.Hash,
		Message:   reason,
		Metadata:  map[string]string{"status": string(status)},
	})

	level := logsink.LevelInfo
	if status == types.DeploymentFailed || status == types.DeploymentUnhealthy {
		level = logsink.LevelError
	}
	logsink.Best(context.Background(), o.sink, logsink.NewSystemRecord(
		dep.ServiceID, dep.Hash,
		fmt.Sprintf("Deployment %s is now %s", dep.Hash, status), level))
	return nil
}
