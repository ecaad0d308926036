// Package auth supplies user identities and role membership to the access
// control checks of the index engine. Credential transport (how a username
// and password reach the server) is owned by the surrounding layers.
package auth

import "github.com/calderadb/caldera/core"

// User is an authenticated identity with its role memberships. A nil *User
// is the anonymous user.
type User struct {
	Username string
	Roles    []string
}

// IsInRole reports whether the user carries the given role. Every user is
// implicitly in the role matching their own username.
func (u *User) IsInRole(role string) bool {
	if u == nil {
		return false
	}
	if role == u.Username {
		return true
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user is in the administrators role.
func (u *User) IsAdmin() bool {
	return u.IsInRole(core.RoleAdmins)
}
