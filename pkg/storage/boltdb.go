package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/zane-ops/zane/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketProjects     = []byte("projects")
	bucketEnvironments = []byte("environments")
	bucketServices     = []byte("services")
	bucketChanges      = []byte("changes")
	bucketDeployments  = []byte("deployments")
	bucketArchivedSvcs = []byte("archived_services")
	bucketArchivedEnvs = []byte("archived_environments")
	bucketJournal      = []byte("workflow_journal")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "zane.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProjects,
			bucketEnvironments,
			bucketServices,
			bucketChanges,
			bucketDeployments,
			bucketArchivedSvcs,
			bucketArchivedEnvs,
			bucketJournal,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, out any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return types.NotFoundf("%s/%s", bucket, key)
	}
	return json.Unmarshal(data, out)
}

// Project operations

func (s *BoltStore) CreateProject(project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketProjects, project.ID, project)
	})
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketProjects, id, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects = append(projects, &project)
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) DeleteProject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).Delete([]byte(id))
	})
}

// Environment operations

func (s *BoltStore) CreateEnvironment(env *types.Environment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketEnvironments, env.ID, env)
	})
}

func (s *BoltStore) GetEnvironment(id string) (*types.Environment, error) {
	var env types.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketEnvironments, id, &env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *BoltStore) GetEnvironmentByName(projectID, name string) (*types.Environment, error) {
	var found *types.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
			var env types.Environment
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.ProjectID == projectID && env.Name == name {
				found = &env
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.NotFoundf("environment %s in project %s", name, projectID)
	}
	return found, nil
}

func (s *BoltStore) ListEnvironments(projectID string) ([]*types.Environment, error) {
	var envs []*types.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
			var env types.Environment
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if env.ProjectID == projectID {
				envs = append(envs, &env)
			}
			return nil
		})
	})
	return envs, err
}

func (s *BoltStore) UpdateEnvironment(env *types.Environment) error {
	return s.CreateEnvironment(env)
}

func (s *BoltStore) DeleteEnvironment(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).Delete([]byte(id))
	})
}

// Service operations

func (s *BoltStore) CreateService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketServices, service.ID, service)
	})
}

func (s *BoltStore) GetService(id string) (*types.Service, error) {
	var service types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketServices, id, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) ListServices(environmentID string) ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			if service.EnvironmentID == environmentID {
				services = append(services, &service)
			}
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) ListAllServices() ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) UpdateService(service *types.Service) error {
	return s.CreateService(service)
}

func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete([]byte(id))
	})
}

// Change operations

func (s *BoltStore) CreateChange(change *types.Change) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChanges)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		change.Seq = seq
		return put(tx, bucketChanges, change.ID, change)
	})
}

func (s *BoltStore) GetChange(id string) (*types.Change, error) {
	var change types.Change
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketChanges, id, &change)
	})
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// ListPendingChanges returns the unapplied changes of a service in
// insertion order.
func (s *BoltStore) ListPendingChanges(serviceID string) ([]*types.Change, error) {
	var changes []*types.Change
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChanges).ForEach(func(k, v []byte) error {
			var change types.Change
			if err := json.Unmarshal(v, &change); err != nil {
				return err
			}
			if change.ServiceID == serviceID && !change.Applied {
				changes = append(changes, &change)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })
	return changes, nil
}

func (s *BoltStore) DeleteChange(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChanges).Delete([]byte(id))
	})
}

// Deployment operations

func (s *BoltStore) CreateDeployment(dep *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketDeployments, dep.Hash, dep)
	})
}

func (s *BoltStore) GetDeployment(hash string) (*types.Deployment, error) {
	var dep types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketDeployments, hash, &dep)
	})
	if err != nil {
		return nil, err
	}
	return &dep, nil
}

func (s *BoltStore) UpdateDeployment(dep *types.Deployment) error {
	return s.CreateDeployment(dep)
}

func (s *BoltStore) ListDeployments(serviceID string) ([]*types.Deployment, error) {
	var deps []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var dep types.Deployment
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			if dep.ServiceID == serviceID {
				deps = append(deps, &dep)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].QueuedAt.Before(deps[j].QueuedAt) })
	return deps, nil
}

// CurrentProduction returns the deployment with IsCurrentProduction set, or
// nil if the service has never gone healthy.
func (s *BoltStore) CurrentProduction(serviceID string) (*types.Deployment, error) {
	deps, err := s.ListDeployments(serviceID)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if dep.IsCurrentProduction {
			return dep, nil
		}
	}
	return nil, nil
}

// ActiveDeployment returns the deployment currently occupying the
// per-service active slot, or nil.
func (s *BoltStore) ActiveDeployment(serviceID string) (*types.Deployment, error) {
	deps, err := s.ListDeployments(serviceID)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if dep.Status.IsActive() {
			return dep, nil
		}
	}
	return nil, nil
}

// NextQueued returns the oldest QUEUED deployment of the service, or nil.
func (s *BoltStore) NextQueued(serviceID string) (*types.Deployment, error) {
	deps, err := s.ListDeployments(serviceID)
	if err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if dep.Status == types.DeploymentQueued {
			return dep, nil
		}
	}
	return nil, nil
}

// ApplyDeployment executes the change->snapshot->deployment apply as a
// single transaction so a partial apply can never be observed.
func (s *BoltStore) ApplyDeployment(service *types.Service, changes []*types.Change, dep *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, bucketServices, service.ID, service); err != nil {
			return fmt.Errorf("failed to persist service: %w", err)
		}
		for _, change := range changes {
			change.Applied = true
			change.DeploymentID = dep.Hash
			if err := put(tx, bucketChanges, change.ID, change); err != nil {
				return fmt.Errorf("failed to mark change applied: %w", err)
			}
		}
		if err := put(tx, bucketDeployments, dep.Hash, dep); err != nil {
			return fmt.Errorf("failed to create deployment: %w", err)
		}
		return nil
	})
}

// SetCurrentProduction flips the production flag to the given deployment.
func (s *BoltStore) SetCurrentProduction(serviceID, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dep types.Deployment
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			if dep.ServiceID != serviceID {
				continue
			}
			want := dep.Hash == hash
			if dep.IsCurrentProduction == want {
				continue
			}
			dep.IsCurrentProduction = want
			data, err := json.Marshal(&dep)
			if err != nil {
				return err
			}
			if err := b.Put(bytes.Clone(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Archive operations

func (s *BoltStore) ArchiveService(rec *ArchivedService) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, bucketArchivedSvcs, rec.Service.ID, rec); err != nil {
			return err
		}
		return tx.Bucket(bucketServices).Delete([]byte(rec.Service.ID))
	})
}

func (s *BoltStore) GetArchivedService(id string) (*ArchivedService, error) {
	var rec ArchivedService
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketArchivedSvcs, id, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ArchiveEnvironment(rec *ArchivedEnvironment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, bucketArchivedEnvs, rec.Environment.ID, rec); err != nil {
			return err
		}
		return tx.Bucket(bucketEnvironments).Delete([]byte(rec.Environment.ID))
	})
}

// Workflow journal operations. Entries are keyed <workflowID>/<key> so a
// whole workflow's journal can be cleared with a prefix scan.

func journalKey(workflowID, key string) []byte {
	return []byte(workflowID + "/" + key)
}

func (s *BoltStore) PutJournalEntry(workflowID, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJournal).Put(journalKey(workflowID, key), value)
	})
}

func (s *BoltStore) GetJournalEntry(workflowID, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJournal).Get(journalKey(workflowID, key))
		if data == nil {
			return types.NotFoundf("journal %s/%s", workflowID, key)
		}
		out = bytes.Clone(data)
		return nil
	})
	return out, err
}

func (s *BoltStore) ListJournalEntries(workflowID string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := []byte(workflowID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJournal).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out[string(bytes.TrimPrefix(k, prefix))] = bytes.Clone(v)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteJournal(workflowID string) error {
	prefix := []byte(workflowID + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
