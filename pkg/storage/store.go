package storage

import (
	"github.com/zane-ops/zane/pkg/types"
)

// Store is the persistence interface of the control plane.
type Store interface {
	// Projects
	CreateProject(project *types.Project) error
	GetProject(id string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	DeleteProject(id string) error

	// Environments
	CreateEnvironment(env *types.Environment) error
	GetEnvironment(id string) (*types.Environment, error)
	GetEnvironmentByName(projectID, name string) (*types.Environment, error)
	ListEnvironments(projectID string) ([]*types.Environment, error)
	UpdateEnvironment(env *types.Environment) error

	// Services
	CreateService(service *types.Service) error
	GetService(id string) (*types.Service, error)
	ListServices(environmentID string) ([]*types.Service, error)
	ListAllServices() ([]*types.Service, error)
	UpdateService(service *types.Service) error

	// Changes
	CreateChange(change *types.Change) error
	GetChange(id string) (*types.Change, error)
	ListPendingChanges(serviceID string) ([]*types.Change, error)
	DeleteChange(id string) error

	// Deployments
	CreateDeployment(dep *types.Deployment) error
	GetDeployment(hash string) (*types.Deployment, error)
	UpdateDeployment(dep *types.Deployment) error
	ListDeployments(serviceID string) ([]*types.Deployment, error)
	CurrentProduction(serviceID string) (*types.Deployment, error)
	ActiveDeployment(serviceID string) (*types.Deployment, error)
	NextQueued(serviceID string) (*types.Deployment, error)

	// ApplyDeployment persists the merged service, marks the given changes
	// applied and linked to the deployment, and creates the deployment
	// record, all in one transaction.
	ApplyDeployment(service *types.Service, changes []*types.Change, dep *types.Deployment) error

	// SetCurrentProduction flips IsCurrentProduction to the given deployment
	// and clears it on every other deployment of the service atomically.
	SetCurrentProduction(serviceID, hash string) error

	// Archives
	ArchiveService(rec *ArchivedService) error
	GetArchivedService(id string) (*ArchivedService, error)
	DeleteService(id string) error
	ArchiveEnvironment(rec *ArchivedEnvironment) error
	DeleteEnvironment(id string) error

	// Workflow journal
	PutJournalEntry(workflowID, key string, value []byte) error
	GetJournalEntry(workflowID, key string) ([]byte, error)
	ListJournalEntries(workflowID string) (map[string][]byte, error)
	DeleteJournal(workflowID string) error

	Close() error
}

// ArchivedService is the tombstone row of an archived service. It retains
// the full tear-down manifest of the last production deployment.
type ArchivedService struct {
	Service  *types.Service
	Manifest *TeardownManifest
}

// TeardownManifest records the external resources a service held at
// archival time.
type TeardownManifest struct {
	SwarmServiceName string
	DeploymentHashes []string
	VolumeNames      []string
	ConfigNames      []string
	URLIDs           []string
}

// ArchivedEnvironment is the tombstone row of an archived environment.
type ArchivedEnvironment struct {
	Environment *types.Environment
	ServiceIDs  []string
}
