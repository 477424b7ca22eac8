package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seededSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	graph, err := NewGraph(DefaultRoles())
	require.NoError(t, err)
	catalog, err := NewCatalog(BuiltinPermissions())
	require.NoError(t, err)
	return NewSnapshot(graph, catalog, defaultGrants(), 1)
}

func TestResolvePrecedence(t *testing.T) {
	snap := seededSnapshot(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	deny := Override{Codename: PermEditReferral, Polarity: Deny}
	grant := Override{Codename: PermEditReferral, Polarity: Grant}

	tests := []struct {
		name      string
		roleID    string
		codename  string
		overrides []Override
		allowed   bool
		reason    string
	}{
		{"unknown codename fails closed", RoleSuperadmin, "launch_rockets", nil, false, ReasonUnknownCodename},
		{"superuser bypass beats deny override", RoleSuperadmin, PermEditReferral, []Override{deny}, true, ReasonSuperuser},
		{"deny override beats role grant", RoleStaff, PermEditReferral, []Override{deny}, false, ReasonDenyOverride},
		{"deny override beats grant override", RoleVolunteer, PermEditReferral, []Override{grant, deny}, false, ReasonDenyOverride},
		{"grant override without role grant", RoleVolunteer, PermEditReferral, []Override{grant}, true, ReasonGrantOverride},
		{"role grant", RoleStaff, PermEditReferral, nil, true, ReasonRoleGrant},
		{"default deny", RoleVolunteer, PermEditReferral, nil, false, ReasonDefaultDeny},
		{"no role, only overrides", "", PermEditReferral, []Override{grant}, true, ReasonGrantOverride},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			allowed, reason := Resolve(snap, tc.roleID, tc.codename, tc.overrides, now)
			require.Equal(t, tc.allowed, allowed)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func TestResolveInheritedGrant(t *testing.T) {
	snap := seededSnapshot(t)
	now := time.Now()

	// Coordinator inherits view_calendar through staff -> volunteer.
	allowed, reason := Resolve(snap, RoleCoordinator, PermViewCalendar, nil, now)
	require.True(t, allowed)
	require.Equal(t, ReasonRoleGrant, reason)
}

func TestResolveIgnoresExpiredOverrides(t *testing.T) {
	snap := seededSnapshot(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	expired := Override{Codename: PermEditReferral, Polarity: Deny, ExpiresAt: now.Add(-time.Hour)}
	allowed, reason := Resolve(snap, RoleStaff, PermEditReferral, []Override{expired}, now)
	require.True(t, allowed)
	require.Equal(t, ReasonRoleGrant, reason)

	// A zero ExpiresAt never expires.
	forever := Override{Codename: PermEditReferral, Polarity: Deny}
	allowed, _ = Resolve(snap, RoleStaff, PermEditReferral, []Override{forever}, now)
	require.False(t, allowed)
}

func TestResolveInactivePermission(t *testing.T) {
	snap := seededSnapshot(t)
	now := time.Now()

	catalog, err := snap.Catalog.WithActive(PermEditReferral, false)
	require.NoError(t, err)
	snap = snap.withCatalog(catalog, 2)

	// Role-derived grants stop flowing when the permission is deactivated.
	allowed, reason := Resolve(snap, RoleStaff, PermEditReferral, nil, now)
	require.False(t, allowed)
	require.Equal(t, ReasonDefaultDeny, reason)

	// An explicit grant override still applies.
	grant := Override{Codename: PermEditReferral, Polarity: Grant}
	allowed, reason = Resolve(snap, RoleStaff, PermEditReferral, []Override{grant}, now)
	require.True(t, allowed)
	require.Equal(t, ReasonGrantOverride, reason)
}

func TestResolveAllSortedAndComplete(t *testing.T) {
	snap := seededSnapshot(t)
	now := time.Now()

	perms := ResolveAll(snap, RoleCoordinator, nil, now)
	require.Contains(t, perms, PermViewCalendar)
	require.Contains(t, perms, PermEditReferral)
	require.Contains(t, perms, PermManageChapter)
	require.NotContains(t, perms, PermManageRoles)
	for i := 1; i < len(perms); i++ {
		require.Less(t, perms[i-1], perms[i])
	}

	// The top role resolves to the full catalog.
	all := ResolveAll(snap, RoleSuperadmin, nil, now)
	require.Len(t, all, len(snap.Catalog.List()))
}
