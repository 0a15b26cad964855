// Copyright (c) 2025 Kintrack Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements the static role/permission matrix for care
// circle members. The grants are compiled in: roles cannot gain or
// lose permissions at runtime, so an authorization decision is a map
// lookup and the matrix below is the complete policy.
package security

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kintrack/kintrack/internal/audit"
)

// =============================================================================
// ROLES
// =============================================================================

// Role is a care circle member's access tier.
type Role string

const (
	// RoleAdmin owns the circle: full data access plus settings,
	// export, and destructive reset.
	RoleAdmin Role = "admin"

	// RoleContributor records and edits care data but cannot touch
	// settings or perform destructive operations.
	RoleContributor Role = "contributor"

	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
)

// ValidRole reports whether r names a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleContributor, RoleViewer:
		return true
	}
	return false
}

// =============================================================================
// PERMISSIONS
// =============================================================================

// Permission names a guarded operation, "resource:action".
type Permission string

const (
	PermEntriesCreate Permission = "entries:create"
	PermEntriesUpdate Permission = "entries:update"
	PermEntriesDelete Permission = "entries:delete"
	PermEntriesView   Permission = "entries:view"

	PermTasksCreate Permission = "tasks:create"
	PermTasksUpdate Permission = "tasks:update"
	PermTasksDelete Permission = "tasks:delete"
	PermTasksView   Permission = "tasks:view"

	PermDocumentsUpload Permission = "documents:upload"
	PermDocumentsDelete Permission = "documents:delete"
	PermDocumentsView   Permission = "documents:view"

	PermLedgerCreate Permission = "ledger:create"
	PermLedgerUpdate Permission = "ledger:update"
	PermLedgerDelete Permission = "ledger:delete"
	PermLedgerView   Permission = "ledger:view"

	PermSettingsRead  Permission = "settings:read"
	PermSettingsWrite Permission = "settings:write"

	PermDataExport Permission = "data:export"
	PermDataReset  Permission = "data:reset"

	PermChatQuery  Permission = "chat:query"
	PermScanSubmit Permission = "scan:submit"
)

// rolePermissions is the complete static policy. Viewer gets the read
// set plus chat; contributor adds all care-data writes; admin adds
// settings, export, and reset.
var rolePermissions = map[Role]map[Permission]bool{
	RoleViewer: {
		PermEntriesView:   true,
		PermTasksView:     true,
		PermDocumentsView: true,
		PermLedgerView:    true,
		PermSettingsRead:  true,
		PermChatQuery:     true,
	},
	RoleContributor: {
		PermEntriesCreate: true,
		PermEntriesUpdate: true,
		PermEntriesDelete: true,
		PermEntriesView:   true,

		PermTasksCreate: true,
		PermTasksUpdate: true,
		PermTasksDelete: true,
		PermTasksView:   true,

		PermDocumentsUpload: true,
		PermDocumentsDelete: true,
		PermDocumentsView:   true,

		PermLedgerCreate: true,
		PermLedgerUpdate: true,
		PermLedgerDelete: true,
		PermLedgerView:   true,

		PermSettingsRead: true,
		PermChatQuery:    true,
		PermScanSubmit:   true,
	},
	RoleAdmin: {
		PermEntriesCreate: true,
		PermEntriesUpdate: true,
		PermEntriesDelete: true,
		PermEntriesView:   true,

		PermTasksCreate: true,
		PermTasksUpdate: true,
		PermTasksDelete: true,
		PermTasksView:   true,

		PermDocumentsUpload: true,
		PermDocumentsDelete: true,
		PermDocumentsView:   true,

		PermLedgerCreate: true,
		PermLedgerUpdate: true,
		PermLedgerDelete: true,
		PermLedgerView:   true,

		PermSettingsRead:  true,
		PermSettingsWrite: true,

		PermDataExport: true,
		PermDataReset:  true,

		PermChatQuery:  true,
		PermScanSubmit: true,
	},
}

// =============================================================================
// PRINCIPAL
// =============================================================================

// Principal is the acting care circle member.
type Principal struct {
	ID   string
	Role Role
}

// =============================================================================
// PERMISSION MATRIX
// =============================================================================

// PermissionMatrix answers authorization questions against the static
// policy. A token-bucket flood guard caps check volume; a caller that
// hammers permission checks is misbehaving, and the guard fails closed.
type PermissionMatrix struct {
	mu           sync.Mutex
	checkLimiter *rate.Limiter
	sink         audit.Sink
}

// MatrixOption configures a PermissionMatrix.
type MatrixOption func(*PermissionMatrix)

// WithMatrixAudit sets the audit sink for denial events.
func WithMatrixAudit(sink audit.Sink) MatrixOption {
	return func(m *PermissionMatrix) {
		m.sink = sink
	}
}

// NewPermissionMatrix creates a matrix with the default flood guard
// (10 checks/s sustained, bursts of 100).
func NewPermissionMatrix(opts ...MatrixOption) *PermissionMatrix {
	m := &PermissionMatrix{
		checkLimiter: rate.NewLimiter(rate.Limit(10), 100),
		sink:         audit.NullSink{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HasPermission reports whether the role grants the permission.
// Unknown roles and unknown permissions are both denied.
func (m *PermissionMatrix) HasPermission(role Role, perm Permission) bool {
	if !m.allowCheck() {
		return false
	}
	return rolePermissions[role][perm]
}

// HasAnyPermission reports whether the role grants at least one of the
// permissions. UI affordance only: hiding a button is not enforcement,
// the mutation path still calls RequirePermission.
func (m *PermissionMatrix) HasAnyPermission(role Role, perms ...Permission) bool {
	if !m.allowCheck() {
		return false
	}
	grants := rolePermissions[role]
	for _, p := range perms {
		if grants[p] {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the role grants every listed
// permission. Like HasAnyPermission, advisory only.
func (m *PermissionMatrix) HasAllPermissions(role Role, perms ...Permission) bool {
	if !m.allowCheck() {
		return false
	}
	grants := rolePermissions[role]
	for _, p := range perms {
		if !grants[p] {
			return false
		}
	}
	return true
}

// RequirePermission is the authoritative check at mutation boundaries.
// Denials come back as *PermissionDeniedError and are audited.
func (m *PermissionMatrix) RequirePermission(principal Principal, perm Permission) error {
	if m.allowCheck() && rolePermissions[principal.Role][perm] {
		return nil
	}

	_ = m.sink.Emit(audit.New(audit.EventPermissionDenied, audit.SeverityWarning,
		fmt.Sprintf("role %q denied %q", principal.Role, perm),
		map[string]string{
			"principal":  principal.ID,
			"role":       string(principal.Role),
			"permission": string(perm),
		}))

	return &PermissionDeniedError{
		PrincipalID: principal.ID,
		Role:        principal.Role,
		Permission:  perm,
	}
}

// RoleGrants returns a copy of a role's permission set, for display.
func (m *PermissionMatrix) RoleGrants(role Role) []Permission {
	grants := rolePermissions[role]
	out := make([]Permission, 0, len(grants))
	for p := range grants {
		out = append(out, p)
	}
	return out
}

// allowCheck consumes one token from the flood guard, failing closed
// when exhausted.
func (m *PermissionMatrix) allowCheck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLimiter.Allow()
}
