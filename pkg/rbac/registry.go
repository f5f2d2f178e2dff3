package rbac

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// Registry maps each capability to the roles allowed to exercise it.
// It is built once at process start and never mutated afterwards.
type Registry struct {
	table  map[Capability]map[Role]struct{}
	logger *observability.Logger
}

// DefaultTable returns the built-in capability table
func DefaultTable() map[Capability][]Role {
	return map[Capability][]Role{
		CapUsersView:       {RoleSupport, RoleAdmin, RoleSuperAdmin},
		CapUsersSuspend:    {RoleAdmin, RoleSuperAdmin},
		CapUsersChangeRole: {RoleAdmin, RoleSuperAdmin},
		CapBillingView:     {RoleSupport, RoleAdmin, RoleSuperAdmin},
		CapBillingRefund:   {RoleAdmin, RoleSuperAdmin},
		CapContractsView:   {RoleSupport, RoleAdmin, RoleSuperAdmin},
		CapSystemFlags:     {RoleAdmin, RoleSuperAdmin},
		CapSystemAuditLogs: {RoleAdmin, RoleSuperAdmin},
		CapSystemSettings:  {RoleSuperAdmin},
	}
}

// NewRegistry builds an immutable registry from table. The input is copied.
func NewRegistry(table map[Capability][]Role, logger *observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Registry{
		table:  make(map[Capability]map[Role]struct{}, len(table)),
		logger: logger,
	}
	for capability, roles := range table {
		if capability == "" {
			return nil, fmt.Errorf("empty capability key")
		}
		set := make(map[Role]struct{}, len(roles))
		for _, role := range roles {
			if !role.Valid() {
				return nil, fmt.Errorf("capability %s: unknown role %q", capability, role)
			}
			set[role] = struct{}{}
		}
		r.table[capability] = set
	}
	return r, nil
}

// DefaultRegistry returns a registry over DefaultTable
func DefaultRegistry(logger *observability.Logger) *Registry {
	r, err := NewRegistry(DefaultTable(), logger)
	if err != nil {
		// DefaultTable only references declared roles
		panic(err)
	}
	return r
}

// registryFile is the on-disk overlay format:
//
//	capabilities:
//	  billing.refund: [super_admin]
type registryFile struct {
	Capabilities map[string][]string `yaml:"capabilities"`
}

// LoadRegistryFile applies a YAML overlay to the default table. Overlays may
// only re-map capabilities that already exist; an unknown key is a
// deployment error, not a new capability.
func LoadRegistryFile(path string, logger *observability.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability file: %w", err)
	}
	return ParseRegistryOverlay(data, logger)
}

// ParseRegistryOverlay applies a YAML overlay document to the default table
func ParseRegistryOverlay(data []byte, logger *observability.Logger) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse capability file: %w", err)
	}

	table := DefaultTable()
	for key, names := range file.Capabilities {
		capability := Capability(key)
		if _, ok := table[capability]; !ok {
			return nil, fmt.Errorf("capability file references undeclared capability %q", key)
		}
		roles := make([]Role, 0, len(names))
		for _, name := range names {
			role, ok := ParseRole(name)
			if !ok {
				return nil, fmt.Errorf("capability %s: unknown role %q", key, name)
			}
			roles = append(roles, role)
		}
		table[capability] = roles
	}
	return NewRegistry(table, logger)
}

// HasCapability reports whether role may exercise capability. An
// unregistered capability is a configuration bug: it is logged and denied.
func (r *Registry) HasCapability(role Role, capability Capability) bool {
	roles, ok := r.table[capability]
	if !ok {
		r.logger.WithField("capability", string(capability)).
			Error("capability is not registered; denying")
		return false
	}
	_, ok = roles[role]
	return ok
}

// Has reports whether capability is registered
func (r *Registry) Has(capability Capability) bool {
	_, ok := r.table[capability]
	return ok
}

// RoleRank returns the rank of role in the fixed hierarchy
func (r *Registry) RoleRank(role Role) int {
	return RoleRank(role)
}

// Capabilities returns the registered capabilities, sorted
func (r *Registry) Capabilities() []Capability {
	out := make([]Capability, 0, len(r.table))
	for c := range r.table {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RolesFor returns the roles holding capability in ascending rank
func (r *Registry) RolesFor(capability Capability) []Role {
	set := r.table[capability]
	out := make([]Role, 0, len(set))
	for _, role := range roleOrder {
		if _, ok := set[role]; ok {
			out = append(out, role)
		}
	}
	return out
}
