/*
Package types defines the core data structures of the Zane control plane.

The domain model is a tree: a Project owns Environments, an Environment owns
Services, and a Service owns its Volumes, Configs, Ports, URLs and variables.
Mutations to a service are staged as Changes and only become real when a
deploy applies them, freezing the merged result into a Snapshot carried by an
immutable Deployment record.

Key invariants encoded here:

  - At most one deployment per service has IsCurrentProduction set.
  - At most one deployment per service is in an active status
    (DeploymentStatus.IsActive); others wait in QUEUED.
  - Successive production deployments alternate DeploymentSlot (BLUE/GREEN)
    unless the previous one failed before a swarm service existed.
  - A Snapshot is never mutated after creation.

All types are JSON-serialisable; the storage layer persists them as JSON
values in BoltDB.
*/
package types
