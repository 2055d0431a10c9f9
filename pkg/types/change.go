package types

import (
	"encoding/json"
	"time"
)

// ChangeField names the service attribute a change targets.
type ChangeField string

const (
	FieldSource       ChangeField = "source"        // image + credentials
	FieldGitSource    ChangeField = "git_source"    // repository/branch/commit/builder
	FieldCommand      ChangeField = "command"
	FieldHealthcheck  ChangeField = "healthcheck"
	FieldResources    ChangeField = "resource_limits"
	FieldEnvVariables ChangeField = "env_variables"
	FieldVolumes      ChangeField = "volumes"
	FieldConfigs      ChangeField = "configs"
	FieldPorts        ChangeField = "ports"
	FieldURLs         ChangeField = "urls"
)

// IsItemized reports whether the field is list-valued and addressed by
// item id in add/update/delete changes.
func (f ChangeField) IsItemized() bool {
	switch f {
	case FieldEnvVariables, FieldVolumes, FieldConfigs, FieldPorts, FieldURLs:
		return true
	}
	return false
}

// ChangeType is the kind of mutation a change performs.
type ChangeType string

const (
	ChangeAdd    ChangeType = "ADD"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is a pending mutation to a service. Changes accumulate until a
// deploy validates and atomically applies them.
type Change struct {
	ID        string
	ServiceID string
	Field     ChangeField
	Type      ChangeType
	// NewValue / OldValue are the JSON encodings of the field (or item)
	// value; OldValue is informational.
	NewValue json.RawMessage
	OldValue json.RawMessage
	// ItemID addresses one element of a list-valued field.
	ItemID string

	Applied      bool
	DeploymentID string

	// Seq is a store-assigned monotonic sequence preserving insertion order.
	Seq       uint64
	CreatedAt time.Time
}

// Decode unmarshals NewValue into out.
func (c *Change) Decode(out any) error {
	return json.Unmarshal(c.NewValue, out)
}
