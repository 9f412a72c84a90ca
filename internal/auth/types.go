package auth

import "errors"

// Role is an authorisation tier carried in the token.
type Role string

const (
	// RoleViewer may read state of ponds it owns.
	RoleViewer Role = "viewer"

	// RoleOperator may command ponds it owns.
	RoleOperator Role = "operator"

	// RoleAdmin manages devices and may act on any pond.
	RoleAdmin Role = "admin"

	// RoleService is a non-human caller with admin rights.
	RoleService Role = "service"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin, RoleService}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// BypassesOwnership reports whether the role may act on ponds it does not own.
func (r Role) BypassesOwnership() bool {
	return r == RoleAdmin || r == RoleService
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: insufficient permissions")
	ErrNotOwner     = errors.New("auth: pond belongs to another owner")
)
