package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/workflow"
)

// HealthProber performs a single health poll of a deployment: swarm task
// state first, then the snapshot's custom healthcheck if the task runs.
// Shared by the deployment health gate and the continuous monitor.
type HealthProber struct {
	Driver docker.Driver
	HTTP   *http.Client
}

// Probe maps the deployment's newest task to a status and, when the task
// is running, applies the custom healthcheck.
func (p *HealthProber) Probe(ctx context.Context, dep *types.Deployment) (types.DeploymentStatus, string) {
	tasks, err := p.Driver.DeploymentTasks(ctx, dep.Hash)
	if err != nil {
		return types.DeploymentUnhealthy, fmt.Sprintf("failed to inspect tasks: %s", err)
	}
	if len(tasks) == 0 {
		return types.DeploymentUnhealthy, "service is down"
	}

	task := tasks[0]
	switch task.State {
	case docker.TaskNew, docker.TaskPending, docker.TaskAssigned, docker.TaskAccepted,
		docker.TaskReady, docker.TaskPreparing, docker.TaskStarting:
		// A replacement task spinning up next to a running one means the
		// service is restarting, not starting fresh.
		if countRunning(tasks) > 0 {
			return types.DeploymentRestarting, task.Message
		}
		return types.DeploymentStarting, task.Message

	case docker.TaskRunning:
		return p.customCheck(ctx, dep, task)

	default:
		reason := task.Message
		if reason == "" {
			reason = fmt.Sprintf("task is %s", task.State)
		}
		return types.DeploymentUnhealthy, reason
	}
}

func (p *HealthProber) customCheck(ctx context.Context, dep *types.Deployment, task docker.TaskInfo) (types.DeploymentStatus, string) {
	hc := dep.Snapshot.Healthcheck
	if hc == nil {
		return types.DeploymentHealthy, ""
	}

	switch hc.Type {
	case types.HealthcheckCommand:
		exitCode, output, err := p.Driver.ExecInContainer(ctx, task.ContainerID,
			[]string{"sh", "-c", hc.Value})
		if err != nil {
			return types.DeploymentUnhealthy, err.Error()
		}
		if exitCode != 0 {
			return types.DeploymentUnhealthy,
				fmt.Sprintf("healthcheck command exited with %d: %s", exitCode, output)
		}
		return types.DeploymentHealthy, output

	case types.HealthcheckHTTPPath:
		port := hc.AssociatedPort
		if port == 0 {
			port = dep.Snapshot.HTTPPort()
		}
		url := fmt.Sprintf("http://%s:%d%s", dep.NetworkAlias, port, hc.Value)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return types.DeploymentUnhealthy, err.Error()
		}
		resp, err := p.HTTP.Do(req)
		if err != nil {
			return types.DeploymentUnhealthy, err.Error()
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return types.DeploymentUnhealthy,
				fmt.Sprintf("GET %s returned %d", hc.Value, resp.StatusCode)
		}
		return types.DeploymentHealthy, ""

	default:
		return types.DeploymentUnhealthy, fmt.Sprintf("unknown healthcheck type %q", hc.Type)
	}
}

func countRunning(tasks []docker.TaskInfo) int {
	n := 0
	for _, t := range tasks {
		if t.State == docker.TaskRunning {
			n++
		}
	}
	return n
}

// healthGate polls the deployment until it is healthy or the healthcheck
// timeout elapses. Intermediate starting/restarting states are persisted so
// observers see the rollout progress.
func (o *Orchestrator) healthGate(ctx context.Context, wc *workflow.Context, run *deployRun) (healthResult, error) {
	prober := &HealthProber{Driver: o.driver, HTTP: o.httpClient}
	deadline := time.Now().Add(run.snap.Healthcheck.Timeout())

	lastReason := "service is down"
	for {
		wc.Heartbeat()

		status, reason := prober.Probe(ctx, run.dep)
		if status == types.DeploymentHealthy {
			return healthResult{Healthy: true}, nil
		}
		if reason != "" {
			lastReason = reason
		}

		if status == types.DeploymentRestarting && run.dep.Status != types.DeploymentRestarting {
			if err := o.setStatus(run.dep, types.DeploymentRestarting, ""); err != nil {
				return healthResult{}, err
			}
		}

		if time.Now().After(deadline) {
			return healthResult{Healthy: false, Reason: lastReason}, nil
		}
		select {
		case <-ctx.Done():
			return healthResult{}, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
