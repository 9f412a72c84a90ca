package auth

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermPondRead        Permission = "pond:read"
	PermPondOperate     Permission = "pond:operate"
	PermThresholdManage Permission = "threshold:manage"
	PermScheduleManage  Permission = "schedule:manage"
	PermDeviceManage    Permission = "device:manage"
	PermSystemAdmin     Permission = "system:admin"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermPondRead,
	},
	RoleOperator: {
		PermPondRead,
		PermPondOperate,
		PermThresholdManage,
		PermScheduleManage,
	},
	RoleAdmin: {
		PermPondRead,
		PermPondOperate,
		PermThresholdManage,
		PermScheduleManage,
		PermDeviceManage,
		PermSystemAdmin,
	},
	RoleService: {
		PermPondRead,
		PermPondOperate,
		PermThresholdManage,
		PermScheduleManage,
		PermDeviceManage,
		PermSystemAdmin,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	perms := rolePermissions[role]
	if perms == nil {
		return nil
	}
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}
