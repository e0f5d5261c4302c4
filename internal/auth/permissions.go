package auth

import "slices"

// Permission represents a named capability on a container.
type Permission string

// Permission constants.
const (
	PermComponentRead    Permission = "component:read"
	PermComponentControl Permission = "component:control"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleObserver: {
		PermComponentRead,
	},
	RoleOperator: {
		PermComponentRead,
		PermComponentControl,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
