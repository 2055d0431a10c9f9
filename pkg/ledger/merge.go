package ledger

import (
	"github.com/zane-ops/zane/pkg/types"
)

// Source is the payload of a "source" change on a docker-image service.
type Source struct {
	Image       string
	Credentials *types.RegistryCredentials
}

// merge replays changes onto a deep copy of the service, in insertion order.
// An update replaces the addressed item, a delete removes it; targeting an
// item that does not exist (or was already deleted) is a conflict.
func merge(service *types.Service, changes []*types.Change) (*types.Service, error) {
	merged := copyService(service)

	for _, ch := range changes {
		if err := applyChange(merged, ch); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func applyChange(s *types.Service, ch *types.Change) error {
	switch ch.Field {
	case types.FieldSource:
		var src Source
		if err := ch.Decode(&src); err != nil {
			return types.InvalidChangef("malformed source payload: %s", err)
		}
		s.Image = src.Image
		s.Credentials = src.Credentials
		return nil

	case types.FieldGitSource:
		var src types.GitSource
		if err := ch.Decode(&src); err != nil {
			return types.InvalidChangef("malformed git source payload: %s", err)
		}
		s.Repository = &src
		return nil

	case types.FieldCommand:
		var cmd string
		if err := ch.Decode(&cmd); err != nil {
			return types.InvalidChangef("malformed command payload: %s", err)
		}
		s.Command = cmd
		return nil

	case types.FieldHealthcheck:
		if ch.Type == types.ChangeDelete {
			s.Healthcheck = nil
			return nil
		}
		var hc types.Healthcheck
		if err := ch.Decode(&hc); err != nil {
			return types.InvalidChangef("malformed healthcheck payload: %s", err)
		}
		s.Healthcheck = &hc
		return nil

	case types.FieldResources:
		if ch.Type == types.ChangeDelete {
			s.Resources = nil
			return nil
		}
		var res types.ResourceLimits
		if err := ch.Decode(&res); err != nil {
			return types.InvalidChangef("malformed resource limits payload: %s", err)
		}
		s.Resources = &res
		return nil

	case types.FieldEnvVariables:
		return applyItem(ch, &s.EnvVariables,
			func(v *types.EnvVariable) string { return v.ID },
			func(v *types.EnvVariable, id string) { v.ID = id })

	case types.FieldVolumes:
		return applyItem(ch, &s.Volumes,
			func(v *types.Volume) string { return v.ID },
			func(v *types.Volume, id string) { v.ID = id })

	case types.FieldConfigs:
		return applyItem(ch, &s.Configs,
			func(v *types.Config) string { return v.ID },
			func(v *types.Config, id string) { v.ID = id })

	case types.FieldPorts:
		return applyItem(ch, &s.Ports,
			func(v *types.PortMapping) string { return v.ID },
			func(v *types.PortMapping, id string) { v.ID = id })

	case types.FieldURLs:
		return applyItem(ch, &s.URLs,
			func(v *types.URL) string { return v.ID },
			func(v *types.URL, id string) { v.ID = id })

	default:
		return types.InvalidChangef("unknown change field %q", ch.Field)
	}
}

// applyItem applies an add/update/delete change to a list-valued field.
func applyItem[T any](ch *types.Change, items *[]T, id func(*T) string, setID func(*T, string)) error {
	switch ch.Type {
	case types.ChangeAdd:
		var item T
		if err := ch.Decode(&item); err != nil {
			return types.InvalidChangef("malformed %s payload: %s", ch.Field, err)
		}
		if ch.ItemID != "" {
			setID(&item, ch.ItemID)
		}
		*items = append(*items, item)
		return nil

	case types.ChangeUpdate:
		var item T
		if err := ch.Decode(&item); err != nil {
			return types.InvalidChangef("malformed %s payload: %s", ch.Field, err)
		}
		setID(&item, ch.ItemID)
		for i := range *items {
			if id(&(*items)[i]) == ch.ItemID {
				(*items)[i] = item
				return nil
			}
		}
		return types.Conflictf("%s item %s does not exist", ch.Field, ch.ItemID)

	case types.ChangeDelete:
		for i := range *items {
			if id(&(*items)[i]) == ch.ItemID {
				*items = append((*items)[:i], (*items)[i+1:]...)
				return nil
			}
		}
		return types.Conflictf("%s item %s does not exist", ch.Field, ch.ItemID)

	default:
		return types.InvalidChangef("unknown change type %q", ch.Type)
	}
}

// fieldProjection returns the part of the service state a change field
// addresses, for comparing a candidate change's effect against the state
// without it.
func fieldProjection(s *types.Service, field types.ChangeField) any {
	switch field {
	case types.FieldSource:
		return Source{Image: s.Image, Credentials: s.Credentials}
	case types.FieldGitSource:
		return s.Repository
	case types.FieldCommand:
		return s.Command
	case types.FieldHealthcheck:
		return s.Healthcheck
	case types.FieldResources:
		return s.Resources
	case types.FieldEnvVariables:
		return s.EnvVariables
	case types.FieldVolumes:
		return s.Volumes
	case types.FieldConfigs:
		return s.Configs
	case types.FieldPorts:
		return s.Ports
	case types.FieldURLs:
		return s.URLs
	default:
		return nil
	}
}

// copyService deep-copies a service so merges never alias the stored record.
func copyService(s *types.Service) *types.Service {
	out := *s
	if s.Credentials != nil {
		creds := *s.Credentials
		out.Credentials = &creds
	}
	if s.Repository != nil {
		repo := *s.Repository
		out.Repository = &repo
	}
	if s.Healthcheck != nil {
		hc := *s.Healthcheck
		out.Healthcheck = &hc
	}
	if s.Resources != nil {
		res := *s.Resources
		out.Resources = &res
	}
	out.Volumes = append([]types.Volume(nil), s.Volumes...)
	out.Configs = append([]types.Config(nil), s.Configs...)
	out.EnvVariables = append([]types.EnvVariable(nil), s.EnvVariables...)
	out.Ports = make([]types.PortMapping, len(s.Ports))
	for i, p := range s.Ports {
		out.Ports[i] = p
		if p.HostPort != nil {
			hp := *p.HostPort
			out.Ports[i].HostPort = &hp
		}
	}
	out.URLs = make([]types.URL, len(s.URLs))
	for i, u := range s.URLs {
		out.URLs[i] = u
		if u.RedirectTo != nil {
			redirect := *u.RedirectTo
			out.URLs[i].RedirectTo = &redirect
		}
	}
	return &out
}
