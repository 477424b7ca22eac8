package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionUnknownTargetRole(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	store.assign(1, RoleSuperadmin)

	err := svc.TransitionRole(context.Background(), 1, 10, "emperor")
	require.ErrorIs(t, err, ErrUnknownTargetRole)
}

func TestTransitionSelfEscalation(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()
	store.assign(5, RoleAdmin)

	// Raising one's own role is never allowed.
	err := svc.TransitionRole(ctx, 5, 5, RoleSuperadmin)
	require.ErrorIs(t, err, ErrSelfEscalation)

	// Re-assigning the role already held is a no-op, not an escalation.
	require.NoError(t, svc.TransitionRole(ctx, 5, 5, RoleAdmin))

	// Self-demotion is allowed.
	require.NoError(t, svc.TransitionRole(ctx, 5, 5, RoleStaff))
	assignment, err := store.GetAssignment(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, RoleStaff, assignment.RoleID)
}

func TestTransitionInsufficientAuthority(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()
	store.assign(5, RoleCoordinator)

	// A coordinator cannot hand out a role at or above their own level.
	err := svc.TransitionRole(ctx, 5, 10, RoleAdmin)
	require.ErrorIs(t, err, ErrInsufficientAuthority)
	err = svc.TransitionRole(ctx, 5, 10, RoleCoordinator)
	require.ErrorIs(t, err, ErrInsufficientAuthority)

	require.NoError(t, svc.TransitionRole(ctx, 5, 10, RoleStaff))
}

func TestTransitionActorWithoutRole(t *testing.T) {
	svc, _ := newTestEngine(t, ServiceConfig{})

	err := svc.TransitionRole(context.Background(), 5, 10, RoleVolunteer)
	require.ErrorIs(t, err, ErrInsufficientAuthority)
}

func TestTopRoleAssignableOnlyByTopRole(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()
	store.assign(5, RoleAdmin)
	store.assign(1, RoleSuperadmin)

	err := svc.TransitionRole(ctx, 5, 10, RoleSuperadmin)
	require.ErrorIs(t, err, ErrInsufficientAuthority)

	require.NoError(t, svc.TransitionRole(ctx, 1, 10, RoleSuperadmin))
	assignment, err := store.GetAssignment(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, RoleSuperadmin, assignment.RoleID)
}

func TestTransitionInvalidatesCacheAndNotifies(t *testing.T) {
	notifier := &stubNotifier{}
	svc, store := newTestEngine(t, ServiceConfig{Cache: newRedisCache(t), Notifier: notifier})
	ctx := context.Background()
	store.assign(1, RoleSuperadmin)
	store.assign(10, RoleVolunteer)

	allowed, err := svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, svc.TransitionRole(ctx, 1, 10, RoleStaff))

	// The next check must see the new role's permissions.
	allowed, err = svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, []string{"10:volunteer->staff"}, notifier.calls)
}

func TestTransitionToCurrentRoleIsNoop(t *testing.T) {
	auditor := &recordingAuditor{}
	notifier := &stubNotifier{}
	svc, store := newTestEngine(t, ServiceConfig{Auditor: auditor, Notifier: notifier})
	ctx := context.Background()
	store.assign(1, RoleSuperadmin)
	store.assign(10, RoleStaff)

	require.NoError(t, svc.TransitionRole(ctx, 1, 10, RoleStaff))
	require.Empty(t, auditor.actions())
	require.Empty(t, notifier.calls)

	// The no-op applies even when the actor would otherwise lack authority,
	// including to themselves.
	require.NoError(t, svc.TransitionRole(ctx, 1, 1, RoleSuperadmin))
	require.Empty(t, auditor.actions())
	require.Empty(t, notifier.calls)
}

func TestRemoveRoleAuthority(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()
	store.assign(5, RoleCoordinator)
	store.assign(10, RoleAdmin)
	store.assign(11, RoleStaff)

	// Stripping one's own role is rejected.
	err := svc.RemoveRole(ctx, 5, 5)
	require.ErrorIs(t, err, ErrSelfEscalation)

	// The actor must outrank the user's current role.
	err = svc.RemoveRole(ctx, 5, 10)
	require.ErrorIs(t, err, ErrInsufficientAuthority)

	require.NoError(t, svc.RemoveRole(ctx, 5, 11))
	_, err = store.GetAssignment(ctx, 11)
	require.ErrorIs(t, err, ErrNotFound)
}
