package types

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeploymentSlot is the blue/green label of a deployment. It determines the
// swarm service name suffix and which side of a traffic flip the deployment
// sits on.
type DeploymentSlot string

const (
	SlotBlue  DeploymentSlot = "BLUE"
	SlotGreen DeploymentSlot = "GREEN"
)

// Opposite returns the other slot.
func (s DeploymentSlot) Opposite() DeploymentSlot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentQueued     DeploymentStatus = "QUEUED"
	DeploymentPreparing  DeploymentStatus = "PREPARING"
	DeploymentBuilding   DeploymentStatus = "BUILDING"
	DeploymentStarting   DeploymentStatus = "STARTING"
	DeploymentRestarting DeploymentStatus = "RESTARTING"
	DeploymentCancelling DeploymentStatus = "CANCELLING"
	DeploymentHealthy    DeploymentStatus = "HEALTHY"
	DeploymentUnhealthy  DeploymentStatus = "UNHEALTHY"
	DeploymentFailed     DeploymentStatus = "FAILED"
	DeploymentCancelled  DeploymentStatus = "CANCELLED"
	DeploymentSleeping   DeploymentStatus = "SLEEPING"
	DeploymentRemoved    DeploymentStatus = "REMOVED"
)

// IsActive reports whether the deployment occupies the per-service active
// slot: at most one deployment of a service may be in an active status.
func (s DeploymentStatus) IsActive() bool {
	switch s {
	case DeploymentQueued, DeploymentPreparing, DeploymentBuilding,
		DeploymentStarting, DeploymentRestarting, DeploymentCancelling:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final. Terminal deployments are
// immutable except for HEALTHY -> SLEEPING/REMOVED on operator action and
// HEALTHY -> UNHEALTHY via the health monitor.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentHealthy, DeploymentUnhealthy, DeploymentFailed,
		DeploymentCancelled, DeploymentRemoved, DeploymentSleeping:
		return true
	}
	return false
}

// Deployment is the immutable record of one rollout of a service.
type Deployment struct {
	Hash         string
	ServiceID    string
	Slot         DeploymentSlot
	Status       DeploymentStatus
	StatusReason string

	QueuedAt        time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	BuildStartedAt  *time.Time
	BuildFinishedAt *time.Time

	// Snapshot is the frozen, fully-resolved service definition this
	// deployment realises. It is never mutated after creation.
	Snapshot *Snapshot

	// ChangeIDs references the changes this deployment applied.
	ChangeIDs []string

	IsCurrentProduction bool

	// SwarmCreated flips once the swarm service exists. A failed deployment
	// that never got this far lets the next deploy reuse its slot.
	SwarmCreated bool

	CommitSHA     string
	CommitMessage string
	CommitAuthor  string
	ImageTag      string

	// NetworkAlias is the per-deployment alias (slot-prefixed) the proxy
	// preview routes target.
	NetworkAlias string

	IgnoreBuildCache bool
}

// SwarmServiceName returns the deterministic docker service name for the
// deployment: srv-<project_id>-<service_id>-<hash>.
func (d *Deployment) SwarmServiceName() string {
	return fmt.Sprintf("srv-%s-%s-%s", d.Snapshot.ProjectID, d.ServiceID, d.Hash)
}

// Snapshot is a self-contained copy of a service definition captured at
// apply time. Activities read the snapshot, never the live service, so the
// cyclic service<->deployment reference is broken by value.
type Snapshot struct {
	ServiceID     string
	ProjectID     string
	EnvironmentID string
	Slug          string
	Type          ServiceType

	Image       string
	Credentials *RegistryCredentials
	Repository  *GitSource

	Command      string
	Volumes      []Volume
	Configs      []Config
	EnvVariables []EnvVariable
	Ports        []PortMapping
	URLs         []URL
	Healthcheck  *Healthcheck
	Resources    *ResourceLimits

	NetworkAlias string
}

// SnapshotOf freezes the current state of a service.
func SnapshotOf(s *Service) *Snapshot {
	snap := &Snapshot{
		ServiceID:     s.ID,
		ProjectID:     s.ProjectID,
		EnvironmentID: s.EnvironmentID,
		Slug:          s.Slug,
		Type:          s.Type,
		Image:         s.Image,
		Command:       s.Command,
		NetworkAlias:  s.NetworkAlias,
	}
	if s.Credentials != nil {
		creds := *s.Credentials
		snap.Credentials = &creds
	}
	if s.Repository != nil {
		repo := *s.Repository
		snap.Repository = &repo
	}
	if s.Healthcheck != nil {
		hc := *s.Healthcheck
		snap.Healthcheck = &hc
	}
	if s.Resources != nil {
		res := *s.Resources
		snap.Resources = &res
	}
	snap.Volumes = append([]Volume(nil), s.Volumes...)
	snap.Configs = append([]Config(nil), s.Configs...)
	snap.EnvVariables = append([]EnvVariable(nil), s.EnvVariables...)
	snap.Ports = append([]PortMapping(nil), s.Ports...)
	snap.URLs = make([]URL, len(s.URLs))
	for i, u := range s.URLs {
		snap.URLs[i] = u
		if u.RedirectTo != nil {
			redirect := *u.RedirectTo
			snap.URLs[i].RedirectTo = &redirect
		}
	}
	return snap
}

// HasNonHTTPPorts reports whether the snapshot publishes any host port.
func (s *Snapshot) HasNonHTTPPorts() bool {
	for _, p := range s.Ports {
		if p.HostPort != nil {
			return true
		}
	}
	return false
}

// HasReadWriteVolumes reports whether any volume is mounted read-write.
func (s *Snapshot) HasReadWriteVolumes() bool {
	for _, v := range s.Volumes {
		if v.Mode != VolumeModeReadOnly {
			return true
		}
	}
	return false
}

// HTTPPort returns the first forwarded-only port, or 0 if none.
func (s *Snapshot) HTTPPort() int {
	for _, p := range s.Ports {
		if p.HostPort == nil {
			return p.Forwarded
		}
	}
	return 0
}

// Clone returns a deep copy of the snapshot via its JSON round trip.
func (s *Snapshot) Clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &out, nil
}

const deploymentHashPrefix = "dpl_"

// NewDeploymentHash generates a short opaque deployment token, prefixed with
// a type marker.
func NewDeploymentHash() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	token = strings.ReplaceAll(token, "-", "z")
	token = strings.ReplaceAll(token, "_", "Z")
	return deploymentHashPrefix + token[:11]
}

// DeploymentAlias builds the slot-qualified network alias of a deployment.
func DeploymentAlias(slot DeploymentSlot, networkAlias string) string {
	return strings.ToLower(string(slot)) + "-" + networkAlias
}
