package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		roles []AuthRole
		perm  Permission
		want  bool
	}{
		{[]AuthRole{AuthRoleAdmin}, PermHistoryRead, true},
		{[]AuthRole{AuthRoleOperator}, PermStateSwitch, true},
		{[]AuthRole{AuthRoleOperator}, PermHistoryRead, false},
		{[]AuthRole{AuthRoleViewer}, PermStateSwitch, false},
		{[]AuthRole{AuthRoleViewer, AuthRoleOperator}, PermStateSwitch, true},
		{nil, PermStateRead, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasPermission(tt.roles, tt.perm), "%v %s", tt.roles, tt.perm)
	}
}

func TestRolesContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, RolesFromContext(ctx))

	ctx = ContextWithRoles(ctx, []AuthRole{AuthRoleViewer})
	assert.Equal(t, []AuthRole{AuthRoleViewer}, RolesFromContext(ctx))
}

func TestStringsToAuthRoles(t *testing.T) {
	got := StringsToAuthRoles([]string{"admin", "root", "viewer"})
	assert.Equal(t, []AuthRole{AuthRoleAdmin, AuthRoleViewer}, got)
	assert.True(t, IsValidAuthRole("operator"))
	assert.False(t, IsValidAuthRole("user"))
}
