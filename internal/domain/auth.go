package domain

import (
	"context"
	"slices"
)

// AuthRole represents a gateway client role.
type AuthRole string

const (
	AuthRoleAdmin    AuthRole = "admin"
	AuthRoleOperator AuthRole = "operator"
	AuthRoleViewer   AuthRole = "viewer"
)

// AllAuthRoles lists every valid authorization role for validation purposes.
var AllAuthRoles = []AuthRole{AuthRoleAdmin, AuthRoleOperator, AuthRoleViewer}

// Permission represents a granular action that can be authorized.
type Permission string

const (
	PermStateRead   Permission = "state:read"
	PermStateSwitch Permission = "state:switch"
	PermHistoryRead Permission = "history:read"
	PermEventsWatch Permission = "events:watch"
)

// RolePermissions maps each role to its granted permissions.
var RolePermissions = map[AuthRole][]Permission{
	AuthRoleAdmin:    {PermStateRead, PermStateSwitch, PermHistoryRead, PermEventsWatch},
	AuthRoleOperator: {PermStateRead, PermStateSwitch, PermEventsWatch},
	AuthRoleViewer:   {PermStateRead, PermEventsWatch},
}

// HasPermission reports whether any of roles grants perm.
func HasPermission(roles []AuthRole, perm Permission) bool {
	for _, r := range roles {
		if slices.Contains(RolePermissions[r], perm) {
			return true
		}
	}
	return false
}

type ctxKey string

const rolesCtxKey ctxKey = "roles"

// ContextWithRoles returns a new context carrying the given roles.
func ContextWithRoles(ctx context.Context, roles []AuthRole) context.Context {
	return context.WithValue(ctx, rolesCtxKey, roles)
}

// RolesFromContext extracts roles from the context.
// Returns nil if not set.
func RolesFromContext(ctx context.Context) []AuthRole {
	if v, ok := ctx.Value(rolesCtxKey).([]AuthRole); ok {
		return v
	}
	return nil
}

// IsValidAuthRole returns true if the given string represents a known role.
func IsValidAuthRole(s string) bool {
	return slices.Contains(AllAuthRoles, AuthRole(s))
}

// StringsToAuthRoles converts a string slice to an AuthRole slice,
// skipping any unrecognized values.
func StringsToAuthRoles(ss []string) []AuthRole {
	roles := make([]AuthRole, 0, len(ss))
	for _, s := range ss {
		if IsValidAuthRole(s) {
			roles = append(roles, AuthRole(s))
		}
	}
	return roles
}
