// Package monitor keeps watching healthy deployments after their rollout:
// one schedule per current-production deployment, polling at the service's
// healthcheck interval and flipping healthy/unhealthy as the probe reports.
package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/orchestrator"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// StatsRecorder receives one resource-usage sample per monitor tick.
// Implemented by the metrics collector.
type StatsRecorder interface {
	Record(dep *types.Deployment, sample *docker.StatsSample)
}

// Monitor owns the per-deployment health schedules.
type Monitor struct {
	store  storage.Store
	driver docker.Driver
	broker *events.Broker
	stats  StatsRecorder
	prober *orchestrator.HealthProber
	logger zerolog.Logger

	mu        sync.Mutex
	schedules map[string]context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a monitor. stats may be nil.
func New(store storage.Store, driver docker.Driver, broker *events.Broker, stats StatsRecorder) *Monitor {
	return &Monitor{
		store:  store,
		driver: driver,
		broker: broker,
		stats:  stats,
		prober: &orchestrator.HealthProber{
			Driver: driver,
			HTTP:   &http.Client{Timeout: 10 * time.Second},
		},
		logger:    log.WithComponent("monitor"),
		schedules: make(map[string]context.CancelFunc),
	}
}

// Schedule installs the health schedule of a deployment. Scheduling an
// already-watched hash is a no-op.
func (m *Monitor) Schedule(dep *types.Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[dep.Hash]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.schedules[dep.Hash] = cancel

	interval := dep.Snapshot.Healthcheck.Interval()
	m.wg.Add(1)
	go m.watch(ctx, dep.Hash, interval)

	m.logger.Debug().
		Str("deployment_hash", dep.Hash).
		Dur("interval", interval).
		Msg("monitor schedule installed")
}

// Unschedule removes the schedule of a deployment.
func (m *Monitor) Unschedule(deploymentHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.schedules[deploymentHash]; ok {
		cancel()
		delete(m.schedules, deploymentHash)
	}
}

// Resume installs schedules for every current-production deployment, after
// a process restart.
func (m *Monitor) Resume(ctx context.Context) error {
	services, err := m.store.ListAllServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		dep, err := m.store.CurrentProduction(svc.ID)
		if err != nil {
			return err
		}
		if dep == nil || dep.Status == types.DeploymentSleeping || dep.Status == types.DeploymentRemoved {
			continue
		}
		m.Schedule(dep)
	}
	return nil
}

// Stop cancels every schedule and waits for the watchers to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for hash, cancel := range m.schedules {
		cancel()
		delete(m.schedules, hash)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) watch(ctx context.Context, hash string, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := m.tick(ctx, hash); stop {
				m.Unschedule(hash)
				return
			}
		}
	}
}

// tick performs one poll. It reports true when the schedule should be torn
// down because the deployment no longer qualifies for monitoring.
func (m *Monitor) tick(ctx context.Context, hash string) bool {
	dep, err := m.store.GetDeployment(hash)
	if err != nil {
		m.logger.Warn().Str("deployment_hash", hash).Err(err).Msg("deployment vanished, dropping schedule")
		return true
	}

	// Only the current production rollout of a service is watched; sleeping
	// and removed deployments keep their recorded status.
	if !dep.IsCurrentProduction ||
		dep.Status == types.DeploymentSleeping || dep.Status == types.DeploymentRemoved {
		return true
	}
	if dep.Status != types.DeploymentHealthy && dep.Status != types.DeploymentUnhealthy &&
		dep.Status != types.DeploymentRestarting {
		return true
	}

	status, reason := m.prober.Probe(ctx, dep)
	m.recordStats(ctx, dep)

	if status == dep.Status {
		return false
	}
	switch status {
	case types.DeploymentHealthy, types.DeploymentUnhealthy, types.DeploymentRestarting:
	default:
		// Transitional task states do not rewrite a terminal status.
		return false
	}

	previous := dep.Status
	dep.Status = status
	dep.StatusReason = reason
	if err := m.store.UpdateDeployment(dep); err != nil {
		m.logger.Error().Str("deployment_hash", hash).Err(err).Msg("failed to persist monitor status")
		return false
	}

	eventType := events.EventDeploymentHealthy
	if status != types.DeploymentHealthy {
		eventType = events.EventDeploymentUnhealthy
	}
	m.broker.Publish(&events.Event{
		Type:      eventType,
		ServiceID: dep.ServiceID,
		Hash:      dep.Hash,
		Message:   reason,
		Metadata:  map[string]string{"from": string(previous), "to": string(status)},
	})

	m.logger.Info().
		Str("deployment_hash", hash).
		Str("from", string(previous)).
		Str("to", string(status)).
		Msg("deployment status changed")
	return false
}

func (m *Monitor) recordStats(ctx context.Context, dep *types.Deployment) {
	if m.stats == nil {
		return
	}
	tasks, err := m.driver.DeploymentTasks(ctx, dep.Hash)
	if err != nil || len(tasks) == 0 || tasks[0].State != docker.TaskRunning {
		return
	}
	sample, err := m.driver.ContainerStats(ctx, tasks[0].ContainerID)
	if err != nil {
		return
	}
	m.stats.Record(dep, sample)
}
