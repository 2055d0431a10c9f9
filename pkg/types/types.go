package types

import (
	"time"
)

// Project is the top-level namespace owning environments.
type Project struct {
	ID        string
	Slug      string
	CreatedAt time.Time
}

// ProductionEnv is the reserved environment name. It cannot be renamed
// or archived.
const ProductionEnv = "production"

// Environment is a named scope inside a project. Each environment owns a
// private overlay network and a buildkit builder.
type Environment struct {
	ID          string
	ProjectID   string
	Name        string
	IsPreview   bool
	PreviewAuth *BasicAuth
	PullRequest *PullRequestRef
	Variables   []EnvVariable
	CreatedAt   time.Time
}

// NetworkName returns the name of the environment's overlay network.
func (e *Environment) NetworkName() string {
	return "net-zane-" + e.ID
}

// BuilderName returns the name of the environment's buildkit builder.
func (e *Environment) BuilderName() string {
	return "builder-zane-" + e.ID
}

// BasicAuth holds HTTP basic credentials protecting a preview environment.
type BasicAuth struct {
	Username string
	Password string
}

// PullRequestRef links a preview environment to an external pull request.
type PullRequestRef struct {
	Provider GitProvider
	Owner    string
	Repo     string
	Number   int
	// CommentID is the provider id of the status comment posted on the PR,
	// patched in place on subsequent deploys.
	CommentID int64
}

// GitProvider identifies an external git hosting provider.
type GitProvider string

const (
	GitProviderGitHub GitProvider = "github"
	GitProviderGitLab GitProvider = "gitlab"
)

// EnvVariable is a key/value pair scoped to an environment or a service.
type EnvVariable struct {
	ID    string
	Key   string
	Value string
}

// ServiceType discriminates the source variant of a service.
type ServiceType string

const (
	ServiceTypeDockerImage ServiceType = "docker-image"
	ServiceTypeGit         ServiceType = "git"
)

// BuilderType selects how a git source is turned into an image.
type BuilderType string

const (
	BuilderDockerfile BuilderType = "DOCKERFILE"
	BuilderStaticDir  BuilderType = "STATIC_DIR"
	BuilderNixpacks   BuilderType = "NIXPACKS"
	BuilderRailpack   BuilderType = "RAILPACK"
)

// Service is a long-lived deployable unit in one environment.
type Service struct {
	ID            string
	ProjectID     string
	EnvironmentID string
	Slug          string
	Type          ServiceType

	// Docker-image variant
	Image       string
	Credentials *RegistryCredentials

	// Git variant
	Repository *GitSource

	Command      string
	Volumes      []Volume
	Configs      []Config
	EnvVariables []EnvVariable
	Ports        []PortMapping
	URLs         []URL
	Healthcheck  *Healthcheck
	Resources    *ResourceLimits

	// NetworkAlias is the stable in-network DNS name of the service; it
	// never changes across deployments.
	NetworkAlias string

	// DeployToken authenticates webhook-style redeploy requests.
	DeployToken string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeployedAt *time.Time
}

// RegistryCredentials authenticate pulls from a private registry.
type RegistryCredentials struct {
	Username string
	Password string
}

// GitSource describes the repository a git service builds from.
type GitSource struct {
	RepositoryURL string
	Branch        string
	// CommitSHA selects an exact commit; "HEAD" follows the branch tip.
	CommitSHA string
	Builder   BuilderType

	// Dockerfile builder options
	DockerfilePath string
	BuildContext   string
	BuildStage     string

	// StaticDir / static-mode options
	PublishDirectory string
	IsSPA            bool
	IndexPage        string
	NotFoundPage     string

	// Nixpacks / Railpack options
	IsStatic         bool
	CustomInstallCmd string
	CustomBuildCmd   string
	CustomStartCmd   string
}

// VolumeMode is the access mode of a volume mount.
type VolumeMode string

const (
	VolumeModeReadWrite VolumeMode = "READ_WRITE"
	VolumeModeReadOnly  VolumeMode = "READ_ONLY"
)

// Volume is a named persistent mount owned by exactly one service.
type Volume struct {
	ID            string
	Name          string
	ContainerPath string
	// HostPath binds the volume to a host directory when set.
	HostPath string
	Mode     VolumeMode
}

// Config is a file-materialised blob mounted into a service container.
type Config struct {
	ID        string
	Name      string
	Contents  string
	MountPath string
	Language  string
	// Version increments whenever Contents change; the docker config
	// object name embeds it because swarm configs are immutable.
	Version int
}

// PortMapping publishes a container port. A nil HostPort means the port is
// HTTP-only and reached through URL routes.
type PortMapping struct {
	ID       string
	HostPort *int
	// Forwarded is the port the container listens on.
	Forwarded int
}

// URL routes HTTP traffic for (Domain, BasePath) to a service port, or
// redirects it elsewhere.
type URL struct {
	ID             string
	Domain         string
	BasePath       string
	StripPrefix    bool
	AssociatedPort int
	RedirectTo     *Redirect
}

// IsRedirect reports whether the URL is a redirect rather than a proxy route.
func (u *URL) IsRedirect() bool {
	return u.RedirectTo != nil
}

// Redirect describes the target of a redirect URL.
type Redirect struct {
	URL       string
	Permanent bool
}

// HealthcheckType discriminates healthcheck variants.
type HealthcheckType string

const (
	HealthcheckCommand  HealthcheckType = "COMMAND"
	HealthcheckHTTPPath HealthcheckType = "PATH"
)

// Healthcheck gates a deployment on a liveness probe.
type Healthcheck struct {
	Type            HealthcheckType
	Value           string
	TimeoutSeconds  int
	IntervalSeconds int
	AssociatedPort  int
}

// DefaultHealthcheckTimeout and DefaultHealthcheckInterval apply when a
// service declares no custom healthcheck.
const (
	DefaultHealthcheckTimeout  = 30 * time.Second
	DefaultHealthcheckInterval = 30 * time.Second
)

// Timeout returns the configured timeout or the default.
func (h *Healthcheck) Timeout() time.Duration {
	if h == nil || h.TimeoutSeconds <= 0 {
		return DefaultHealthcheckTimeout
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Interval returns the configured interval or the default.
func (h *Healthcheck) Interval() time.Duration {
	if h == nil || h.IntervalSeconds <= 0 {
		return DefaultHealthcheckInterval
	}
	return time.Duration(h.IntervalSeconds) * time.Second
}

// ResourceLimits caps the resources of a service's containers.
type ResourceLimits struct {
	// CPUs is a fractional core count, e.g. 0.5.
	CPUs float64
	// Memory is a human-readable size, e.g. "512m".
	Memory string
}
