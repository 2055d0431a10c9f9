// Package ledger accumulates pending changes to services, validates them
// against the applied state, and atomically applies them into immutable
// deployment snapshots.
package ledger

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/build"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/types"
)

// ImageProber verifies an image reference against its registry.
type ImageProber func(ctx context.Context, image string, creds *types.RegistryCredentials) error

// PortProber reports an error when a host port is not bindable.
type PortProber func(port int) error

// Ledger is the change ledger over one store.
type Ledger struct {
	store      storage.Store
	cfg        *config.Config
	probeImage ImageProber
	probePort  PortProber
	logger     zerolog.Logger
}

// New builds a ledger with the default registry and port probes.
func New(store storage.Store, cfg *config.Config) *Ledger {
	return &Ledger{
		store:      store,
		cfg:        cfg,
		probeImage: build.ProbeImage,
		probePort:  defaultProbePort,
		logger:     log.WithComponent("ledger"),
	}
}

// WithProbes overrides the registry and port probes, for tests.
func (l *Ledger) WithProbes(image ImageProber, port PortProber) *Ledger {
	if image != nil {
		l.probeImage = image
	}
	if port != nil {
		l.probePort = port
	}
	return l
}

// RequestChange validates the change against the service's applied state
// plus every already-pending change, then appends it. The change is stored
// with a ledger-assigned id and sequence. A change whose merged effect
// leaves the service state untouched is de-duped: nothing is stored and a
// nil change is returned.
func (l *Ledger) RequestChange(ctx context.Context, serviceID string, ch *types.Change) (*types.Change, error) {
	service, err := l.store.GetService(serviceID)
	if err != nil {
		return nil, err
	}

	if err := checkChangeShape(service, ch); err != nil {
		return nil, err
	}

	pending, err := l.store.ListPendingChanges(serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}

	merged, err := merge(service, append(pending, ch))
	if err != nil {
		return nil, err
	}
	if err := validateState(merged); err != nil {
		return nil, err
	}
	if ch.Field == types.FieldURLs || ch.Field == types.FieldPorts {
		if err := l.validateGlobal(merged); err != nil {
			return nil, err
		}
	}

	// Re-requesting an already-applied (or already-pending) change set must
	// not grow the ledger: a change that merges to the state it started from
	// is dropped.
	base, err := merge(service, pending)
	if err != nil {
		return nil, err
	}
	if reflect.DeepEqual(fieldProjection(base, ch.Field), fieldProjection(merged, ch.Field)) {
		l.logger.Debug().
			Str("service_id", serviceID).
			Str("field", string(ch.Field)).
			Msg("change matches current state, dropped as a no-op")
		return nil, nil
	}

	if ch.Field == types.FieldSource && ch.Type != types.ChangeDelete {
		var src Source
		if err := ch.Decode(&src); err != nil {
			return nil, types.InvalidChangef("malformed source payload: %s", err)
		}
		if err := l.probeImage(ctx, src.Image, src.Credentials); err != nil {
			return nil, err
		}
	}

	ch.ID = uuid.NewString()
	ch.ServiceID = serviceID
	ch.CreatedAt = time.Now().UTC()
	if err := l.store.CreateChange(ch); err != nil {
		return nil, fmt.Errorf("failed to persist change: %w", err)
	}

	l.logger.Debug().
		Str("service_id", serviceID).
		Str("field", string(ch.Field)).
		Str("type", string(ch.Type)).
		Msg("change accepted")
	return ch, nil
}

// CancelChange removes a pending change, unless removal would strand the
// remaining pending set (e.g. an update targeting an item a cancelled add
// introduced) or leave a deployed service without a source.
func (l *Ledger) CancelChange(ctx context.Context, serviceID, changeID string) error {
	ch, err := l.store.GetChange(changeID)
	if err != nil {
		return err
	}
	if ch.ServiceID != serviceID {
		return types.NotFoundf("change %s does not belong to service %s", changeID, serviceID)
	}
	if ch.Applied {
		return types.Conflictf("change %s is already applied", changeID)
	}

	service, err := l.store.GetService(serviceID)
	if err != nil {
		return err
	}
	pending, err := l.store.ListPendingChanges(serviceID)
	if err != nil {
		return fmt.Errorf("failed to list pending changes: %w", err)
	}

	remaining := make([]*types.Change, 0, len(pending))
	for _, p := range pending {
		if p.ID != changeID {
			remaining = append(remaining, p)
		}
	}

	merged, err := merge(service, remaining)
	if err != nil {
		return types.Conflictf("cancelling change %s strands the pending set: %s", changeID, err)
	}
	if err := validateState(merged); err != nil {
		return types.Conflictf("cancelling change %s leaves an invalid state: %s", changeID, err)
	}
	if service.DeployedAt != nil && !hasSource(merged) {
		return types.Conflictf("cancelling change %s removes the source of a deployed service", changeID)
	}

	return l.store.DeleteChange(changeID)
}

// ApplyOptions tunes one apply.
type ApplyOptions struct {
	// IgnoreBuildCache forces a no-cache image build for git services.
	IgnoreBuildCache bool
	// CommitSHA overrides the snapshot's commit selector for this deploy.
	CommitSHA string
}

// Apply merges every pending change into the live service, freezes the
// result as a snapshot and creates a queued deployment, all in one
// transaction. The returned deployment is ready for the orchestrator.
func (l *Ledger) Apply(ctx context.Context, serviceID string, opts ApplyOptions) (*types.Deployment, error) {
	service, err := l.store.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	pending, err := l.store.ListPendingChanges(serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending changes: %w", err)
	}

	merged, err := merge(service, pending)
	if err != nil {
		return nil, err
	}
	if !hasSource(merged) {
		return nil, types.InvalidChangef("cannot deploy a service without a source")
	}
	if err := validateState(merged); err != nil {
		return nil, err
	}
	if err := l.validateGlobal(merged); err != nil {
		return nil, err
	}
	if err := l.ensureDefaultURL(merged); err != nil {
		return nil, err
	}

	if opts.CommitSHA != "" && merged.Repository != nil {
		merged.Repository.CommitSHA = opts.CommitSHA
	}

	slot, err := l.nextSlot(serviceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	merged.UpdatedAt = now

	hash := types.NewDeploymentHash()
	dep := &types.Deployment{
		Hash:             hash,
		ServiceID:        serviceID,
		Slot:             slot,
		Status:           types.DeploymentQueued,
		QueuedAt:         now,
		Snapshot:         types.SnapshotOf(merged),
		ChangeIDs:        changeIDs(pending),
		NetworkAlias:     types.DeploymentAlias(slot, merged.NetworkAlias),
		IgnoreBuildCache: opts.IgnoreBuildCache,
	}
	switch merged.Type {
	case types.ServiceTypeGit:
		dep.ImageTag = build.ImageTag(merged.Slug, hash)
		dep.CommitSHA = merged.Repository.CommitSHA
	default:
		dep.ImageTag = merged.Image
	}

	if err := l.store.ApplyDeployment(merged, pending, dep); err != nil {
		return nil, fmt.Errorf("failed to apply deployment: %w", err)
	}

	l.logger.Info().
		Str("service_id", serviceID).
		Str("deployment_hash", hash).
		Str("slot", string(slot)).
		Int("changes", len(pending)).
		Msg("changes applied, deployment queued")
	return dep, nil
}

// ensureDefaultURL auto-creates $slug-$env.$root_domain when the merged
// state exposes an HTTP port but declares no URL.
func (l *Ledger) ensureDefaultURL(merged *types.Service) error {
	if len(merged.URLs) > 0 {
		return nil
	}
	httpPort := 0
	for _, p := range merged.Ports {
		if p.HostPort == nil {
			httpPort = p.Forwarded
			break
		}
	}
	if httpPort == 0 {
		return nil
	}

	env, err := l.store.GetEnvironment(merged.EnvironmentID)
	if err != nil {
		return err
	}
	merged.URLs = append(merged.URLs, types.URL{
		ID:             uuid.NewString(),
		Domain:         fmt.Sprintf("%s-%s.%s", merged.Slug, env.Name, l.cfg.RootDomain),
		BasePath:       "/",
		StripPrefix:    true,
		AssociatedPort: httpPort,
	})
	return nil
}

// nextSlot alternates blue/green against the latest deployment; a deploy
// that failed before its swarm service existed surrenders its slot.
func (l *Ledger) nextSlot(serviceID string) (types.DeploymentSlot, error) {
	deployments, err := l.store.ListDeployments(serviceID)
	if err != nil {
		return "", fmt.Errorf("failed to list deployments: %w", err)
	}
	if len(deployments) == 0 {
		return types.SlotBlue, nil
	}
	latest := deployments[len(deployments)-1]
	if latest.Status == types.DeploymentFailed && !latest.SwarmCreated {
		return latest.Slot, nil
	}
	if latest.Status == types.DeploymentCancelled && !latest.SwarmCreated {
		return latest.Slot, nil
	}
	return latest.Slot.Opposite(), nil
}

// checkChangeShape rejects changes that do not fit the service variant or
// the field's add/update/delete grammar.
func checkChangeShape(service *types.Service, ch *types.Change) error {
	if ch.Field.IsItemized() {
		if (ch.Type == types.ChangeUpdate || ch.Type == types.ChangeDelete) && ch.ItemID == "" {
			return types.InvalidChangef("%s %s requires an item id", ch.Type, ch.Field)
		}
		return nil
	}

	switch ch.Field {
	case types.FieldSource:
		if service.Type != types.ServiceTypeDockerImage {
			return types.InvalidChangef("source changes only apply to docker-image services")
		}
	case types.FieldGitSource:
		if service.Type != types.ServiceTypeGit {
			return types.InvalidChangef("git source changes only apply to git services")
		}
	case types.FieldCommand, types.FieldHealthcheck, types.FieldResources:
		// singular fields, any variant
	default:
		return types.InvalidChangef("unknown change field %q", ch.Field)
	}
	if ch.Type == types.ChangeAdd {
		return types.InvalidChangef("%s is not a list field; use %s", ch.Field, types.ChangeUpdate)
	}
	return nil
}

func hasSource(s *types.Service) bool {
	switch s.Type {
	case types.ServiceTypeGit:
		return s.Repository != nil && s.Repository.RepositoryURL != ""
	default:
		return s.Image != ""
	}
}

func changeIDs(changes []*types.Change) []string {
	ids := make([]string, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
	}
	return ids
}
