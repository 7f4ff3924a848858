package auth

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermChainRead    Permission = "chain:read"
	PermChainOperate Permission = "chain:operate"
)

// rolePermissions is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermChainRead,
	},
	RoleOperator: {
		PermChainRead,
		PermChainOperate,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
