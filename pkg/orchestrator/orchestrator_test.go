package orchestrator

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/build"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/docker"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/locker"
	"github.com/zane-ops/zane/pkg/logsink"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
	"github.com/zane-ops/zane/pkg/workflow"
)

// fakeDriver is an in-memory docker.Driver that records every mutation.
type fakeDriver struct {
	mu sync.Mutex

	networks map[string]bool
	volumes  map[string]bool
	configs  map[string]string // id -> name
	services map[string]docker.ServiceSpec
	replicas map[string]uint64

	tasks      []docker.TaskInfo
	execExit   int
	execOutput string

	pullBlocks bool
	pullErr    error
	vipsErr    error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		networks: map[string]bool{},
		volumes:  map[string]bool{},
		configs:  map[string]string{},
		services: map[string]docker.ServiceSpec{},
		replicas: map[string]uint64{},
		tasks:    []docker.TaskInfo{{ID: "t1", Version: 1, State: docker.TaskRunning, ContainerID: "c1"}},
	}
}

func (f *fakeDriver) EnsureNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return "net-" + name, nil
}

func (f *fakeDriver) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	return nil
}

func (f *fakeDriver) VolumeExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name], nil
}

func (f *fakeDriver) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *fakeDriver) RemoveVolume(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *fakeDriver) CreateConfig(ctx context.Context, name string, data []byte, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "cfg-" + name
	f.configs[id] = name
	return id, nil
}

func (f *fakeDriver) RemoveConfig(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.configs, id)
	return nil
}

func (f *fakeDriver) FindConfig(ctx context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.configs {
		if n == name {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeDriver) PullImage(ctx context.Context, ref string, creds *types.RegistryCredentials) error {
	f.mu.Lock()
	blocks, err := f.pullBlocks, f.pullErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if blocks {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeDriver) CreateService(ctx context.Context, spec docker.ServiceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[spec.Name] = spec
	f.replicas[spec.Name] = 1
	return "svc-" + spec.Name, nil
}

func (f *fakeDriver) ScaleService(ctx context.Context, name string, replicas uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replicas[name] = replicas
	return nil
}

func (f *fakeDriver) RemoveService(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.services, name)
	return nil
}

func (f *fakeDriver) ServiceExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.services[name]
	return ok, nil
}

func (f *fakeDriver) DeploymentTasks(ctx context.Context, deploymentHash string) ([]docker.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]docker.TaskInfo(nil), f.tasks...), nil
}

func (f *fakeDriver) ExecInContainer(ctx context.Context, containerID string, cmd []string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execExit, f.execOutput, nil
}

func (f *fakeDriver) ResolveServiceVIPs(ctx context.Context, networkName string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vipsErr != nil {
		return nil, f.vipsErr
	}
	return map[string]string{}, nil
}

func (f *fakeDriver) ContainerStats(ctx context.Context, containerID string) (*docker.StatsSample, error) {
	return &docker.StatsSample{CPUPercent: 1.5, MemoryBytes: 64 << 20}, nil
}

func (f *fakeDriver) setTasks(tasks ...docker.TaskInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = tasks
}

func (f *fakeDriver) serviceSpec(name string) (docker.ServiceSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.services[name]
	return spec, ok
}

func (f *fakeDriver) replicasOf(name string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replicas[name]
}

func (f *fakeDriver) hasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name]
}

// fakeProxy is an in-memory proxy.Configurator.
type fakeProxy struct {
	mu     sync.Mutex
	routes map[string]proxy.Route
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{routes: map[string]proxy.Route{}}
}

func (f *fakeProxy) UpsertRoute(ctx context.Context, route proxy.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route.ID] = route
	return nil
}

func (f *fakeProxy) RemoveRoute(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, id)
	return nil
}

func (f *fakeProxy) RemoveRoutesByPrefix(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.routes {
		if strings.HasPrefix(id, prefix) {
			delete(f.routes, id)
		}
	}
	return nil
}

func (f *fakeProxy) GetRoutes(ctx context.Context) ([]proxy.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proxy.Route, 0, len(f.routes))
	for _, r := range f.routes {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeProxy) hasRoute(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.routes[id]
	return ok
}

type fakeMonitor struct {
	mu          sync.Mutex
	scheduled   []string
	unscheduled []string
}

func (f *fakeMonitor) Schedule(dep *types.Deployment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, dep.Hash)
}

func (f *fakeMonitor) Unschedule(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unscheduled = append(f.unscheduled, hash)
}

type testRig struct {
	orch    *Orchestrator
	store   storage.Store
	driver  *fakeDriver
	proxy   *fakeProxy
	monitor *fakeMonitor
	broker  *events.Broker
	locks   *locker.Registry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	driver := newFakeDriver()
	px := newFakeProxy()
	monitor := &fakeMonitor{}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	locks := locker.NewRegistry()
	orch := New(store, driver, px, logsink.Discard{}, broker,
		locks, workflow.NewEngine(store), cfg)
	orch.SetMonitor(monitor)

	return &testRig{orch: orch, store: store, driver: driver, proxy: px, monitor: monitor, broker: broker, locks: locks}
}

// seedDeployment creates a project/env/service and a queued docker-image
// deployment ready for Enqueue.
func (rig *testRig) seedDeployment(t *testing.T, mutate func(*types.Service)) *types.Deployment {
	t.Helper()
	project := &types.Project{ID: uuid.NewString(), Slug: "sandbox", CreatedAt: time.Now()}
	require.NoError(t, rig.store.CreateProject(project))
	env := &types.Environment{
		ID: uuid.NewString(), ProjectID: project.ID,
		Name: types.ProductionEnv, CreatedAt: time.Now(),
	}
	require.NoError(t, rig.store.CreateEnvironment(env))

	svc := &types.Service{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		EnvironmentID: env.ID,
		Slug:          "cache",
		Type:          types.ServiceTypeDockerImage,
		Image:         "valkey/valkey:7.2-alpine",
		NetworkAlias:  "zn-cache",
		CreatedAt:     time.Now(),
	}
	if mutate != nil {
		mutate(svc)
	}
	require.NoError(t, rig.store.CreateService(svc))
	return rig.queueDeployment(t, svc)
}

func (rig *testRig) queueDeployment(t *testing.T, svc *types.Service) *types.Deployment {
	t.Helper()
	hash := types.NewDeploymentHash()
	dep := &types.Deployment{
		Hash:         hash,
		ServiceID:    svc.ID,
		Slot:         types.SlotBlue,
		Status:       types.DeploymentQueued,
		QueuedAt:     time.Now().UTC(),
		Snapshot:     types.SnapshotOf(svc),
		NetworkAlias: types.DeploymentAlias(types.SlotBlue, svc.NetworkAlias),
		ImageTag:     svc.Image,
	}
	require.NoError(t, rig.store.CreateDeployment(dep))
	return dep
}

func (rig *testRig) deployAndWait(t *testing.T, dep *types.Deployment) *types.Deployment {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, rig.orch.Enqueue(ctx, dep))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_ = rig.orch.Wait(waitCtx, dep.Hash)

	final, err := rig.store.GetDeployment(dep.Hash)
	require.NoError(t, err)
	return final
}

func TestDeployHappyPath(t *testing.T) {
	rig := newTestRig(t)
	dep := rig.seedDeployment(t, func(s *types.Service) {
		s.Ports = []types.PortMapping{{ID: "p1", Forwarded: 6379}}
		s.URLs = []types.URL{{ID: "u1", Domain: "cache.example.com", BasePath: "/", AssociatedPort: 6379}}
		s.Volumes = []types.Volume{{ID: "v1", Name: "data", ContainerPath: "/data", Mode: types.VolumeModeReadOnly}}
	})

	final := rig.deployAndWait(t, dep)

	assert.Equal(t, types.DeploymentHealthy, final.Status)
	assert.True(t, final.IsCurrentProduction)
	assert.True(t, final.SwarmCreated)
	assert.NotNil(t, final.FinishedAt)

	// Swarm service exists under the deterministic name, with both aliases.
	spec, ok := rig.driver.serviceSpec(final.SwarmServiceName())
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"zn-cache", "blue-zn-cache"}, spec.Aliases)
	assert.Contains(t, spec.Env, "ZANE_DEPLOYMENT_HASH="+final.Hash)

	// Volume materialised; public URL and preview route installed.
	assert.True(t, rig.driver.hasVolume("vol-zane-v1"))
	assert.True(t, rig.proxy.hasRoute(proxy.ServiceURLID(final.ServiceID, "cache.example.com", "/")))

	rig.monitor.mu.Lock()
	defer rig.monitor.mu.Unlock()
	assert.Contains(t, rig.monitor.scheduled, final.Hash)
}

func TestDeployUnhealthyRestoresPrevious(t *testing.T) {
	rig := newTestRig(t)
	dep := rig.seedDeployment(t, func(s *types.Service) {
		s.Volumes = []types.Volume{{ID: "v1", Name: "data", ContainerPath: "/data", Mode: types.VolumeModeReadWrite}}
		s.Healthcheck = &types.Healthcheck{
			Type: types.HealthcheckCommand, Value: "valkey-cli ping",
			TimeoutSeconds: 1,
		}
	})
	first := rig.deployAndWait(t, dep)
	require.Equal(t, types.DeploymentHealthy, first.Status)

	// Second rollout: the container's healthcheck command now fails.
	rig.driver.mu.Lock()
	rig.driver.execExit = 1
	rig.driver.execOutput = "connection refused"
	rig.driver.mu.Unlock()

	svc, err := rig.store.GetService(first.ServiceID)
	require.NoError(t, err)
	second := rig.queueDeployment(t, svc)
	second.Slot = types.SlotGreen
	second.NetworkAlias = types.DeploymentAlias(types.SlotGreen, svc.NetworkAlias)
	require.NoError(t, rig.store.UpdateDeployment(second))

	final := rig.deployAndWait(t, second)

	assert.Equal(t, types.DeploymentUnhealthy, final.Status)
	assert.Contains(t, final.StatusReason, "connection refused")

	// The failed rollout's service is gone and the previous production
	// deployment was scaled back up and stays current.
	_, exists := rig.driver.serviceSpec(final.SwarmServiceName())
	assert.False(t, exists)
	assert.Equal(t, uint64(1), rig.driver.replicasOf(first.SwarmServiceName()))

	current, err := rig.store.CurrentProduction(first.ServiceID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, first.Hash, current.Hash)
}

func TestDeployCancellationCompensates(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.mu.Lock()
	rig.driver.pullBlocks = true
	rig.driver.mu.Unlock()

	dep := rig.seedDeployment(t, func(s *types.Service) {
		s.Volumes = []types.Volume{{ID: "v1", Name: "data", ContainerPath: "/data", Mode: types.VolumeModeReadWrite}}
	})

	ctx := context.Background()
	require.NoError(t, rig.orch.Enqueue(ctx, dep))

	// Wait until the workflow is stuck in the image pull, then cancel.
	require.Eventually(t, func() bool {
		d, err := rig.store.GetDeployment(dep.Hash)
		return err == nil && d.Status == types.DeploymentPreparing && rig.driver.hasVolume("vol-zane-v1")
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, rig.orch.Cancel(ctx, dep.Hash))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_ = rig.orch.Wait(waitCtx, dep.Hash)

	final, err := rig.store.GetDeployment(dep.Hash)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentCancelled, final.Status)
	assert.Equal(t, "Deployment cancelled.", final.StatusReason)

	// The created volume was reverted.
	assert.False(t, rig.driver.hasVolume("vol-zane-v1"))
}

func TestResumeRedeliversInterruptedCancel(t *testing.T) {
	rig := newTestRig(t)
	dep := rig.seedDeployment(t, nil)

	// A crash mid-cancellation persists CANCELLING, but the cancel signal
	// lives in the engine's channels and dies with the process.
	now := time.Now().UTC()
	dep.StartedAt = &now
	dep.SwarmCreated = true
	dep.Status = types.DeploymentCancelling
	require.NoError(t, rig.store.UpdateDeployment(dep))

	require.NoError(t, rig.orch.Resume(context.Background()))

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = rig.orch.Wait(waitCtx, dep.Hash)

	// The resumed workflow must finish the cancellation instead of
	// re-running the rollout to a healthy finish.
	final, err := rig.store.GetDeployment(dep.Hash)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentCancelled, final.Status)
	assert.False(t, final.IsCurrentProduction)
}

func TestCancelWhileWaitingOnSemaphoreDrainsQueue(t *testing.T) {
	rig := newTestRig(t)
	rig.orch.cfg.CancelQueuedOnDeploy = false
	first := rig.seedDeployment(t, nil)

	svc, err := rig.store.GetService(first.ServiceID)
	require.NoError(t, err)
	second := rig.queueDeployment(t, svc)
	second.Slot = types.SlotGreen
	second.NetworkAlias = types.DeploymentAlias(types.SlotGreen, svc.NetworkAlias)
	require.NoError(t, rig.store.UpdateDeployment(second))

	// An outside holder keeps the deploy semaphore busy, so the first
	// workflow parks in Acquire.
	ctx := context.Background()
	key := locker.DeployKey(svc.ID)
	require.NoError(t, rig.locks.Acquire(ctx, key, "holder"))

	require.NoError(t, rig.orch.Enqueue(ctx, first))
	require.Eventually(t, func() bool {
		return rig.orch.engine.IsRunning(workflowID(first.Hash))
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, rig.orch.Cancel(ctx, first.Hash))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_ = rig.orch.Wait(waitCtx, first.Hash)

	finalFirst, err := rig.store.GetDeployment(first.Hash)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentCancelled, finalFirst.Status)

	// The early-cancel path still drained the queue: the second deployment's
	// workflow is waiting on the semaphore and finishes once it frees.
	rig.locks.Release(key, "holder")
	require.Eventually(t, func() bool {
		d, err := rig.store.GetDeployment(second.Hash)
		return err == nil && d.Status.IsTerminal()
	}, 30*time.Second, 50*time.Millisecond)

	finalSecond, err := rig.store.GetDeployment(second.Hash)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentHealthy, finalSecond.Status)
}

func TestRailpackBuildContinuesWhenVIPLookupFails(t *testing.T) {
	rig := newTestRig(t)
	rig.driver.mu.Lock()
	rig.driver.vipsErr = errors.New("network not found")
	rig.driver.mu.Unlock()

	dep := rig.seedDeployment(t, func(s *types.Service) {
		s.Type = types.ServiceTypeGit
		s.Image = ""
		s.Repository = &types.GitSource{
			RepositoryURL: "https://github.com/acme/webapp.git",
			Branch:        "main",
			Builder:       types.BuilderRailpack,
		}
		s.EnvVariables = []types.EnvVariable{{ID: "e1", Key: "API_URL", Value: "http://zn-api:8000"}}
	})

	var mu sync.Mutex
	gotBuildArgs := map[string]string{}
	rig.orch.SetBuildToolchain(
		func(ctx context.Context, dir string, opts build.CloneOptions) (*build.CloneResult, error) {
			require.NoError(t, os.MkdirAll(dir, 0o755))
			return &build.CloneResult{CommitSHA: "0ddba11", CommitAuthor: "dev", CommitMessage: "init"}, nil
		},
		&build.Planner{RailpackBin: "true"},
		func(ctx context.Context, sink logsink.Sink, req build.ImageRequest) (string, error) {
			mu.Lock()
			for k, v := range req.BuildArgs {
				gotBuildArgs[k] = v
			}
			mu.Unlock()
			return req.Tag, nil
		},
		func(ctx context.Context, env *types.Environment) error { return nil },
	)

	final := rig.deployAndWait(t, dep)
	assert.Equal(t, types.DeploymentHealthy, final.Status)

	// Substitution degraded gracefully: the sibling alias stayed as-is.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "http://zn-api:8000", gotBuildArgs["API_URL"])
}

func TestCancelFinishedDeploymentIsFatal(t *testing.T) {
	rig := newTestRig(t)
	dep := rig.seedDeployment(t, nil)
	final := rig.deployAndWait(t, dep)
	require.Equal(t, types.DeploymentHealthy, final.Status)

	err := rig.orch.Cancel(context.Background(), dep.Hash)
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Contains(t, err.Error(), "already finished")
}

func TestQueueDrainRunsNextDeployment(t *testing.T) {
	rig := newTestRig(t)
	first := rig.seedDeployment(t, nil)

	svc, err := rig.store.GetService(first.ServiceID)
	require.NoError(t, err)
	second := rig.queueDeployment(t, svc)
	second.Slot = types.SlotGreen
	second.NetworkAlias = types.DeploymentAlias(types.SlotGreen, svc.NetworkAlias)
	require.NoError(t, rig.store.UpdateDeployment(second))

	rig.orch.cfg.CancelQueuedOnDeploy = false
	finalFirst := rig.deployAndWait(t, first)
	require.Equal(t, types.DeploymentHealthy, finalFirst.Status)

	// The tail call picked the queued deployment up without a new Enqueue.
	require.Eventually(t, func() bool {
		d, err := rig.store.GetDeployment(second.Hash)
		return err == nil && d.Status.IsTerminal()
	}, 30*time.Second, 50*time.Millisecond)

	finalSecond, err := rig.store.GetDeployment(second.Hash)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentHealthy, finalSecond.Status)
	assert.True(t, finalSecond.IsCurrentProduction)
}

func TestBlueGreenKeepsPreviousRunningForHTTPOnly(t *testing.T) {
	rig := newTestRig(t)
	dep := rig.seedDeployment(t, func(s *types.Service) {
		s.Ports = []types.PortMapping{{ID: "p1", Forwarded: 8080}}
		s.URLs = []types.URL{{ID: "u1", Domain: "web.example.com", BasePath: "/", AssociatedPort: 8080}}
	})
	first := rig.deployAndWait(t, dep)
	require.Equal(t, types.DeploymentHealthy, first.Status)

	svc, err := rig.store.GetService(first.ServiceID)
	require.NoError(t, err)
	second := rig.queueDeployment(t, svc)
	second.Slot = types.SlotGreen
	second.NetworkAlias = types.DeploymentAlias(types.SlotGreen, svc.NetworkAlias)
	require.NoError(t, rig.store.UpdateDeployment(second))

	finalSecond := rig.deployAndWait(t, second)
	require.Equal(t, types.DeploymentHealthy, finalSecond.Status)

	// The previous rollout was retired only after the flip, and the public
	// route now targets the green alias.
	prev, err := rig.store.GetDeployment(first.Hash)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentRemoved, prev.Status)
	assert.False(t, prev.IsCurrentProduction)

	routes, err := rig.proxy.GetRoutes(context.Background())
	require.NoError(t, err)
	found := false
	for _, r := range routes {
		if r.ID == proxy.ServiceURLID(svc.ID, "web.example.com", "/") {
			found = true
		}
	}
	assert.True(t, found)
}
