package rbac

import (
	"strings"
	"time"
)

// Role is a position in the fixed operator hierarchy
type Role string

// Roles in ascending order of privilege
const (
	RoleUser       Role = "user"
	RoleSupport    Role = "support"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// roleOrder defines the total order user < support < admin < super_admin
var roleOrder = []Role{RoleUser, RoleSupport, RoleAdmin, RoleSuperAdmin}

// AllRoles returns every known role in ascending rank
func AllRoles() []Role {
	out := make([]Role, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// RoleRank returns the position of role in the hierarchy, or -1 for an
// unknown role string.
func RoleRank(role Role) int {
	for i, r := range roleOrder {
		if r == role {
			return i
		}
	}
	return -1
}

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return RoleRank(r) >= 0
}

// ParseRole normalizes and validates a role name
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Capability is a named permission gating one administrative action
type Capability string

// Declared capabilities
const (
	CapUsersView       Capability = "users.view"
	CapUsersSuspend    Capability = "users.suspend"
	CapUsersChangeRole Capability = "users.change_role"
	CapBillingView     Capability = "billing.view"
	CapBillingRefund   Capability = "billing.refund"
	CapContractsView   Capability = "contracts.view"
	CapSystemFlags     Capability = "system.feature_flags"
	CapSystemAuditLogs Capability = "system.audit_logs"
	CapSystemSettings  Capability = "system.settings"
)

// Principal is the resolved identity of the caller for one request
type Principal struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email"`
}

// DirectoryUser is an operator record as stored in the users table
type DirectoryUser struct {
	ID          string     `json:"id"`
	ExternalID  string     `json:"external_id"`
	Email       string     `json:"email"`
	Role        Role       `json:"role"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Suspended reports whether the user is currently suspended
func (u *DirectoryUser) Suspended() bool {
	return u.SuspendedAt != nil
}

// Principal converts the record to a request principal
func (u *DirectoryUser) Principal() *Principal {
	return &Principal{ID: u.ID, Role: u.Role, Email: u.Email}
}
