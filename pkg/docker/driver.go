// Package docker is a thin capability layer over the local docker daemon in
// swarm mode: networks, volumes, configs, services, tasks, image pulls and
// container exec.
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	zane "github.com/zane-ops/zane/pkg/types"
)

// Resource labels stamped on everything Zane creates so it can be found and
// torn down by filter.
const (
	LabelManaged        = "zane-managed"
	LabelParentID       = "parent_id"
	LabelDeploymentHash = "deployment_hash"
	LabelEnvironmentID  = "environment_id"
)

// VolumeName returns the docker volume name backing a service volume.
func VolumeName(volumeID string) string {
	return "vol-zane-" + volumeID
}

// ConfigName returns the swarm config object name of one config version.
// Swarm configs are immutable, so the version is part of the name.
func ConfigName(configID string, version int) string {
	return fmt.Sprintf("cf-zane-%s-v%d", configID, version)
}

// TaskState mirrors the swarm task states the health probe maps from.
type TaskState string

const (
	TaskNew       TaskState = "new"
	TaskPending   TaskState = "pending"
	TaskAssigned  TaskState = "assigned"
	TaskAccepted  TaskState = "accepted"
	TaskReady     TaskState = "ready"
	TaskPreparing TaskState = "preparing"
	TaskStarting  TaskState = "starting"
	TaskRunning   TaskState = "running"
	TaskComplete  TaskState = "complete"
	TaskFailed    TaskState = "failed"
	TaskShutdown  TaskState = "shutdown"
	TaskRejected  TaskState = "rejected"
	TaskOrphaned  TaskState = "orphaned"
	TaskRemove    TaskState = "remove"
)

// TaskInfo is the slice of a swarm task the orchestrator cares about.
type TaskInfo struct {
	ID          string
	Version     uint64
	State       TaskState
	Message     string
	ContainerID string
}

// ServiceSpec is the input to CreateService.
type ServiceSpec struct {
	Name            string
	Image           string
	Labels          map[string]string
	ContainerLabels map[string]string
	Env             []string
	Command         []string
	NetworkName     string
	Aliases         []string
	Mounts          []MountSpec
	Configs         []ConfigMount
	// Ports publishes host ports only; HTTP traffic is attracted via the
	// proxy, not the swarm ingress mesh.
	Ports     []PortSpec
	Resources *zane.ResourceLimits
	LogDriver *LogDriver
}

// MountSpec is a volume or bind mount.
type MountSpec struct {
	VolumeName    string
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ConfigMount mounts a swarm config into the container.
type ConfigMount struct {
	ConfigID   string
	ConfigName string
	MountPath  string
}

// PortSpec publishes a host port.
type PortSpec struct {
	HostPort      int
	ContainerPort int
}

// LogDriver forwards container output to the external log store.
type LogDriver struct {
	Name    string
	Options map[string]string
}

// Driver is the container-daemon capability surface the orchestrator and
// archiver depend on.
type Driver interface {
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error

	VolumeExists(ctx context.Context, name string) (bool, error)
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string) error

	CreateConfig(ctx context.Context, name string, data []byte, labels map[string]string) (string, error)
	RemoveConfig(ctx context.Context, id string) error
	FindConfig(ctx context.Context, name string) (string, bool, error)

	PullImage(ctx context.Context, ref string, creds *zane.RegistryCredentials) error

	CreateService(ctx context.Context, spec ServiceSpec) (string, error)
	ScaleService(ctx context.Context, name string, replicas uint64) error
	RemoveService(ctx context.Context, name string) error
	ServiceExists(ctx context.Context, name string) (bool, error)

	DeploymentTasks(ctx context.Context, deploymentHash string) ([]TaskInfo, error)
	ExecInContainer(ctx context.Context, containerID string, cmd []string) (int, string, error)
	ResolveServiceVIPs(ctx context.Context, networkName string) (map[string]string, error)

	ContainerStats(ctx context.Context, containerID string) (*StatsSample, error)
}

// StatsSample is a one-shot container resource usage reading.
type StatsSample struct {
	CPUPercent  float64
	MemoryBytes uint64
	MemoryLimit uint64
	NetRxBytes  uint64
	NetTxBytes  uint64
}

// Client implements Driver against a real docker daemon.
type Client struct {
	api client.APIClient
}

// NewClient connects to the docker daemon. host overrides the endpoint;
// empty uses the environment.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: api}, nil
}

// NewClientFromAPI wraps an existing API client, for tests.
func NewClientFromAPI(api client.APIClient) *Client {
	return &Client{api: api}
}

func (c *Client) EnsureNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	existing, err := c.api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range existing {
		if n.Name == name {
			return n.ID, nil
		}
	}

	resp, err := c.api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     "overlay",
		Attachable: true,
		Labels:     withManaged(labels),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return resp.ID, nil
}

func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	if err := c.api.NetworkRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := c.api.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect volume %s: %w", name, err)
	}
	return true, nil
}

func (c *Client) CreateVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := c.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: withManaged(labels),
	})
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return nil
}

func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.api.VolumeRemove(ctx, name, false); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}

func (c *Client) CreateConfig(ctx context.Context, name string, data []byte, labels map[string]string) (string, error) {
	resp, err := c.api.ConfigCreate(ctx, swarm.ConfigSpec{
		Annotations: swarm.Annotations{
			Name:   name,
			Labels: withManaged(labels),
		},
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create config %s: %w", name, err)
	}
	return resp.ID, nil
}

func (c *Client) RemoveConfig(ctx context.Context, id string) error {
	if err := c.api.ConfigRemove(ctx, id); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove config %s: %w", id, err)
	}
	return nil
}

// FindConfig looks a config up by exact name.
func (c *Client) FindConfig(ctx context.Context, name string) (string, bool, error) {
	configs, err := c.api.ConfigList(ctx, types.ConfigListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to list configs: %w", err)
	}
	for _, cfg := range configs {
		if cfg.Spec.Name == name {
			return cfg.ID, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) PullImage(ctx context.Context, ref string, creds *zane.RegistryCredentials) error {
	opts := image.PullOptions{}
	if creds != nil {
		auth, err := encodeAuth(creds)
		if err != nil {
			return err
		}
		opts.RegistryAuth = auth
	}

	out, err := c.api.ImagePull(ctx, ref, opts)
	if err != nil {
		return fmt.Errorf("%w: %s", zane.ErrImagePullFailed, err)
	}
	defer out.Close()

	// The pull only completes once the stream is drained.
	if _, err := io.Copy(io.Discard, out); err != nil {
		return fmt.Errorf("%w: %s", zane.ErrImagePullFailed, err)
	}
	return nil
}

func encodeAuth(creds *zane.RegistryCredentials) (string, error) {
	data, err := json.Marshal(registry.AuthConfig{
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

func (c *Client) CreateService(ctx context.Context, spec ServiceSpec) (string, error) {
	swarmSpec := buildSwarmSpec(spec)
	resp, err := c.api.ServiceCreate(ctx, swarmSpec, types.ServiceCreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create service %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// buildSwarmSpec translates a ServiceSpec into the swarm API shape:
// replicated mode, start-first updates with rollback on failure, restart
// on-failure with 3 attempts and a 5s delay.
func buildSwarmSpec(spec ServiceSpec) swarm.ServiceSpec {
	replicas := uint64(1)
	maxAttempts := uint64(3)
	restartDelay := 5 * time.Second

	containerSpec := &swarm.ContainerSpec{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.ContainerLabels,
	}
	if len(spec.Command) > 0 {
		containerSpec.Command = spec.Command
	}

	for _, m := range spec.Mounts {
		sm := mount.Mount{
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		}
		if m.HostPath != "" {
			sm.Type = mount.TypeBind
			sm.Source = m.HostPath
		} else {
			sm.Type = mount.TypeVolume
			sm.Source = m.VolumeName
		}
		containerSpec.Mounts = append(containerSpec.Mounts, sm)
	}

	for _, cfg := range spec.Configs {
		containerSpec.Configs = append(containerSpec.Configs, &swarm.ConfigReference{
			ConfigID:   cfg.ConfigID,
			ConfigName: cfg.ConfigName,
			File: &swarm.ConfigReferenceFileTarget{
				Name: cfg.MountPath,
				UID:  "0",
				GID:  "0",
				Mode: 0o444,
			},
		})
	}

	taskSpec := swarm.TaskSpec{
		ContainerSpec: containerSpec,
		RestartPolicy: &swarm.RestartPolicy{
			Condition:   swarm.RestartPolicyConditionOnFailure,
			MaxAttempts: &maxAttempts,
			Delay:       &restartDelay,
		},
		Networks: []swarm.NetworkAttachmentConfig{{
			Target:  spec.NetworkName,
			Aliases: spec.Aliases,
		}},
	}

	if spec.LogDriver != nil {
		taskSpec.LogDriver = &swarm.Driver{
			Name:    spec.LogDriver.Name,
			Options: spec.LogDriver.Options,
		}
	}

	if spec.Resources != nil {
		limit := &swarm.Limit{}
		if spec.Resources.CPUs > 0 {
			limit.NanoCPUs = int64(spec.Resources.CPUs * 1e9)
		}
		if spec.Resources.Memory != "" {
			if bytes, err := units.RAMInBytes(spec.Resources.Memory); err == nil {
				limit.MemoryBytes = bytes
			}
		}
		taskSpec.Resources = &swarm.ResourceRequirements{Limits: limit}
	}

	var endpoint *swarm.EndpointSpec
	if len(spec.Ports) > 0 {
		endpoint = &swarm.EndpointSpec{Mode: swarm.ResolutionModeVIP}
		for _, p := range spec.Ports {
			endpoint.Ports = append(endpoint.Ports, swarm.PortConfig{
				Protocol:      swarm.PortConfigProtocolTCP,
				TargetPort:    uint32(p.ContainerPort),
				PublishedPort: uint32(p.HostPort),
				PublishMode:   swarm.PortConfigPublishModeIngress,
			})
		}
	}

	return swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   spec.Name,
			Labels: withManaged(spec.Labels),
		},
		TaskTemplate: taskSpec,
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
		UpdateConfig: &swarm.UpdateConfig{
			Parallelism:   1,
			Order:         swarm.UpdateOrderStartFirst,
			FailureAction: swarm.UpdateFailureActionRollback,
		},
		EndpointSpec: endpoint,
	}
}

func (c *Client) ScaleService(ctx context.Context, name string, replicas uint64) error {
	svc, _, err := c.api.ServiceInspectWithRaw(ctx, name, types.ServiceInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to inspect service %s: %w", name, err)
	}

	spec := svc.Spec
	if spec.Mode.Replicated == nil {
		spec.Mode.Replicated = &swarm.ReplicatedService{}
	}
	spec.Mode.Replicated.Replicas = &replicas

	_, err = c.api.ServiceUpdate(ctx, svc.ID, svc.Version, spec, types.ServiceUpdateOptions{})
	if err != nil {
		return fmt.Errorf("failed to scale service %s to %d: %w", name, replicas, err)
	}
	return nil
}

func (c *Client) RemoveService(ctx context.Context, name string) error {
	if err := c.api.ServiceRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove service %s: %w", name, err)
	}
	return nil
}

func (c *Client) ServiceExists(ctx context.Context, name string) (bool, error) {
	_, _, err := c.api.ServiceInspectWithRaw(ctx, name, types.ServiceInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect service %s: %w", name, err)
	}
	return true, nil
}

// DeploymentTasks lists the running-desired tasks of a deployment, newest
// version first.
func (c *Client) DeploymentTasks(ctx context.Context, deploymentHash string) ([]TaskInfo, error) {
	tasks, err := c.api.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", LabelDeploymentHash+"="+deploymentHash),
			filters.Arg("desired-state", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		info := TaskInfo{
			ID:      t.ID,
			Version: t.Version.Index,
			State:   TaskState(t.Status.State),
			Message: t.Status.Message,
		}
		if t.Status.ContainerStatus != nil {
			info.ContainerID = t.Status.ContainerStatus.ContainerID
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Version > infos[j].Version })
	return infos, nil
}

// ExecInContainer runs cmd inside a running container and returns its exit
// code and combined output.
func (c *Client) ExecInContainer(ctx context.Context, containerID string, cmd []string) (int, string, error) {
	exec, err := c.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := c.api.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil {
		return -1, "", fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := c.api.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return -1, "", fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspect.ExitCode, strings.TrimSpace(buf.String()), nil
}

// ResolveServiceVIPs maps every service alias on the network to its virtual
// IP. Used to substitute sibling aliases during builds, where buildkit
// containers cannot resolve swarm DNS.
func (c *Client) ResolveServiceVIPs(ctx context.Context, networkName string) (map[string]string, error) {
	nw, err := c.api.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect network %s: %w", networkName, err)
	}

	services, err := c.api.ServiceList(ctx, types.ServiceListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	vips := make(map[string]string)
	for _, svc := range services {
		var vip string
		for _, v := range svc.Endpoint.VirtualIPs {
			if v.NetworkID == nw.ID {
				// Addr is CIDR form.
				vip = strings.SplitN(v.Addr, "/", 2)[0]
				break
			}
		}
		if vip == "" {
			continue
		}
		for _, attachment := range svc.Spec.TaskTemplate.Networks {
			for _, alias := range attachment.Aliases {
				vips[alias] = vip
			}
		}
	}
	return vips, nil
}

// ContainerStats takes a one-shot usage sample of a running container.
func (c *Client) ContainerStats(ctx context.Context, containerID string) (*StatsSample, error) {
	resp, err := c.api.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}

	sample := &StatsSample{
		MemoryBytes: stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		sample.CPUPercent = cpuDelta / sysDelta * float64(stats.CPUStats.OnlineCPUs) * 100.0
	}
	for _, nw := range stats.Networks {
		sample.NetRxBytes += nw.RxBytes
		sample.NetTxBytes += nw.TxBytes
	}
	return sample, nil
}

func withManaged(labels map[string]string) map[string]string {
	out := map[string]string{LabelManaged: "true"}
	for k, v := range labels {
		out[k] = v
	}
	return out
}
