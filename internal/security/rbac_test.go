// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kintrack/kintrack/internal/audit"
)

func TestRolePermissionTable(t *testing.T) {
	m := NewPermissionMatrix()

	cases := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermEntriesView, true},
		{RoleViewer, PermChatQuery, true},
		{RoleViewer, PermEntriesCreate, false},
		{RoleViewer, PermScanSubmit, false},
		{RoleViewer, PermSettingsWrite, false},
		{RoleViewer, PermDataReset, false},

		{RoleContributor, PermEntriesCreate, true},
		{RoleContributor, PermLedgerDelete, true},
		{RoleContributor, PermScanSubmit, true},
		{RoleContributor, PermSettingsRead, true},
		{RoleContributor, PermSettingsWrite, false},
		{RoleContributor, PermDataExport, false},
		{RoleContributor, PermDataReset, false},

		{RoleAdmin, PermEntriesDelete, true},
		{RoleAdmin, PermSettingsWrite, true},
		{RoleAdmin, PermDataExport, true},
		{RoleAdmin, PermDataReset, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.role)+"/"+string(tc.perm), func(t *testing.T) {
			assert.Equal(t, tc.want, m.HasPermission(tc.role, tc.perm))
		})
	}
}

func TestUnknownRoleAndPermissionDenied(t *testing.T) {
	m := NewPermissionMatrix()

	assert.False(t, m.HasPermission(Role("owner"), PermEntriesView))
	assert.False(t, m.HasPermission(RoleAdmin, Permission("entries:purge")))
	assert.False(t, m.HasPermission(Role(""), Permission("")))
}

func TestRequirePermissionAllowed(t *testing.T) {
	m := NewPermissionMatrix()
	p := Principal{ID: "member-1", Role: RoleContributor}

	assert.NoError(t, m.RequirePermission(p, PermEntriesCreate))
}

func TestRequirePermissionDeniedIsTypedAndAudited(t *testing.T) {
	sink := audit.NewMemorySink()
	m := NewPermissionMatrix(WithMatrixAudit(sink))
	p := Principal{ID: "member-2", Role: RoleViewer}

	err := m.RequirePermission(p, PermEntriesDelete)
	var derr *PermissionDeniedError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "member-2", derr.PrincipalID)
	assert.Equal(t, RoleViewer, derr.Role)
	assert.Equal(t, PermEntriesDelete, derr.Permission)

	events := sink.EventsOfType(audit.EventPermissionDenied)
	require.Len(t, events, 1)
	assert.Equal(t, "viewer", events[0].Metadata["role"])
	assert.Equal(t, "entries:delete", events[0].Metadata["permission"])
}

func TestHasAnyAndHasAllPermissions(t *testing.T) {
	m := NewPermissionMatrix()

	assert.True(t, m.HasAnyPermission(RoleViewer, PermEntriesCreate, PermEntriesView))
	assert.False(t, m.HasAnyPermission(RoleViewer, PermEntriesCreate, PermDataReset))

	assert.True(t, m.HasAllPermissions(RoleContributor, PermEntriesCreate, PermTasksCreate))
	assert.False(t, m.HasAllPermissions(RoleContributor, PermEntriesCreate, PermSettingsWrite))

	// Vacuous truth on an empty list.
	assert.True(t, m.HasAllPermissions(RoleViewer))
	assert.False(t, m.HasAnyPermission(RoleAdmin))
}

func TestFloodGuardFailsClosed(t *testing.T) {
	m := NewPermissionMatrix()

	// Burn through the burst allowance. Once exhausted, even a grant
	// the table contains is denied.
	denied := false
	for i := 0; i < 500; i++ {
		if !m.HasPermission(RoleAdmin, PermEntriesView) {
			denied = true
			break
		}
	}
	assert.True(t, denied, "flood guard should deny past the burst")
}

func TestRoleGrantsReturnsCopy(t *testing.T) {
	m := NewPermissionMatrix()

	grants := m.RoleGrants(RoleViewer)
	assert.NotEmpty(t, grants)

	// Mutating the returned slice must not affect policy.
	for i := range grants {
		grants[i] = PermDataReset
	}
	assert.False(t, m.HasPermission(RoleViewer, PermDataReset))
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole(RoleAdmin))
	assert.True(t, ValidRole(RoleContributor))
	assert.True(t, ValidRole(RoleViewer))
	assert.False(t, ValidRole(Role("root")))
	assert.False(t, ValidRole(Role("")))
}
