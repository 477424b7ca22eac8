package authz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-crm/meridian-crm/internal/audit"
)

type memoryStore struct {
	mu          sync.Mutex
	roles       map[string]Role
	edges       map[string]map[string]bool
	permissions map[string]Permission
	grants      map[string]RolePermission
	assignments map[int64]string
	overrides   map[int64]map[string]Override
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		roles:       make(map[string]Role),
		edges:       make(map[string]map[string]bool),
		permissions: make(map[string]Permission),
		grants:      make(map[string]RolePermission),
		assignments: make(map[int64]string),
		overrides:   make(map[int64]map[string]Override),
	}
}

func grantKey(roleID, codename string) string {
	return roleID + "|" + codename
}

func (m *memoryStore) LoadRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, role := range m.roles {
		var parents []string
		for parent := range m.edges[role.ID] {
			parents = append(parents, parent)
		}
		sort.Strings(parents)
		role.Parents = parents
		out = append(out, role)
	}
	return out, nil
}

func (m *memoryStore) UpsertRole(ctx context.Context, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = Role{ID: role.ID, Name: role.Name, Level: role.Level}
	return nil
}

func (m *memoryStore) InsertRoleEdge(ctx context.Context, child, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edges[child] == nil {
		m.edges[child] = make(map[string]bool)
	}
	m.edges[child][parent] = true
	return nil
}

func (m *memoryStore) DeleteRoleEdge(ctx context.Context, child, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.edges[child], parent)
	return nil
}

func (m *memoryStore) LoadPermissions(ctx context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Permission, 0, len(m.permissions))
	for _, perm := range m.permissions {
		out = append(out, perm)
	}
	return out, nil
}

func (m *memoryStore) InsertPermission(ctx context.Context, perm Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[perm.Codename]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCodename, perm.Codename)
	}
	m.permissions[perm.Codename] = perm
	return nil
}

func (m *memoryStore) UpdatePermissionActive(ctx context.Context, codename string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	perm, ok := m.permissions[codename]
	if !ok {
		return ErrNotFound
	}
	perm.Active = active
	m.permissions[codename] = perm
	return nil
}

func (m *memoryStore) LoadRolePermissions(ctx context.Context) ([]RolePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RolePermission, 0, len(m.grants))
	for _, grant := range m.grants {
		out = append(out, grant)
	}
	return out, nil
}

func (m *memoryStore) UpsertRolePermission(ctx context.Context, grant RolePermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grantKey(grant.RoleID, grant.Codename)] = grant
	return nil
}

func (m *memoryStore) GetAssignment(ctx context.Context, userID int64) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roleID, ok := m.assignments[userID]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return Assignment{UserID: userID, RoleID: roleID}, nil
}

func (m *memoryStore) UpsertAssignment(ctx context.Context, userID int64, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[userID] = roleID
	return nil
}

func (m *memoryStore) DeleteAssignment(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, userID)
	return nil
}

func (m *memoryStore) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Override, 0, len(m.overrides[userID]))
	for _, override := range m.overrides[userID] {
		out = append(out, override)
	}
	return out, nil
}

func (m *memoryStore) UpsertOverride(ctx context.Context, override Override) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overrides[override.UserID] == nil {
		m.overrides[override.UserID] = make(map[string]Override)
	}
	m.overrides[override.UserID][override.Codename] = override
	return nil
}

func (m *memoryStore) DeleteOverride(ctx context.Context, userID int64, codename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides[userID], codename)
	return nil
}

func (m *memoryStore) assign(userID int64, roleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[userID] = roleID
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(ctx context.Context, entry audit.Entry) audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return entry
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, entry := range r.entries {
		out[i] = entry.Action
	}
	return out
}

type stubNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *stubNotifier) RoleChanged(ctx context.Context, userID int64, oldRole, newRole string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%d:%s->%s", userID, oldRole, newRole))
	return nil
}

func newTestEngine(t *testing.T, cfg ServiceConfig) (*Service, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, Seed(ctx, store))
	svc := NewService(store, cfg)
	require.NoError(t, svc.Load(ctx))
	return svc, store
}

func newRedisCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestResolveRoleDerivedGrant(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()
	store.assign(10, RoleStaff)
	store.assign(11, RoleVolunteer)

	allowed, err := svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = svc.Resolve(ctx, 11, PermEditReferral)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestResolveUnknownCodenameFailsClosed(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	store.assign(10, RoleSuperadmin)

	allowed, err := svc.Resolve(context.Background(), 10, "launch_rockets")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestResolveUserWithoutAssignment(t *testing.T) {
	auditor := &recordingAuditor{}
	svc, _ := newTestEngine(t, ServiceConfig{Auditor: auditor})
	ctx := context.Background()

	allowed, err := svc.Resolve(ctx, 99, PermViewCalendar)
	require.NoError(t, err)
	require.False(t, allowed)

	// Overrides apply even without a role assignment.
	require.NoError(t, svc.CreateOverride(ctx, 1, Override{UserID: 99, Codename: PermViewCalendar, Polarity: Grant}))
	allowed, err = svc.Resolve(ctx, 99, PermViewCalendar)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestResolveReadAfterWriteThroughCache(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{Cache: newRedisCache(t)})
	ctx := context.Background()
	store.assign(10, RoleStaff)

	// Populate the cache.
	allowed, err := svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.True(t, allowed)
	perms, err := svc.ResolveAll(ctx, 10)
	require.NoError(t, err)
	require.Contains(t, perms, PermEditReferral)

	// A deny override must be observed by the very next check.
	require.NoError(t, svc.CreateOverride(ctx, 1, Override{UserID: 10, Codename: PermEditReferral, Polarity: Deny}))
	allowed, err = svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.False(t, allowed)

	// Removing it restores the role-derived grant, again immediately.
	require.NoError(t, svc.RemoveOverride(ctx, 1, 10, PermEditReferral))
	allowed, err = svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestStructuralChangeInvalidatesEveryUser(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{Cache: newRedisCache(t)})
	ctx := context.Background()
	store.assign(10, RoleVolunteer)
	store.assign(11, RoleVolunteer)

	for _, userID := range []int64{10, 11} {
		allowed, err := svc.Resolve(ctx, userID, PermViewConstituent)
		require.NoError(t, err)
		require.False(t, allowed)
	}

	require.NoError(t, svc.SetRolePermission(ctx, 1, RolePermission{RoleID: RoleVolunteer, Codename: PermViewConstituent, Active: true}))

	for _, userID := range []int64{10, 11} {
		allowed, err := svc.Resolve(ctx, userID, PermViewConstituent)
		require.NoError(t, err)
		require.True(t, allowed)
	}
}

// mutateOnLookupHook runs a callback the first time a pipeline reads a
// cached permission set, before the read executes.
type mutateOnLookupHook struct {
	once   sync.Once
	mutate func()
}

func (h *mutateOnLookupHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *mutateOnLookupHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *mutateOnLookupHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if cmd.Name() != "get" || len(cmd.Args()) < 2 {
				continue
			}
			if key, ok := cmd.Args()[1].(string); ok && strings.HasPrefix(key, "authz:perms:") {
				h.once.Do(h.mutate)
				break
			}
		}
		return next(ctx, cmds)
	}
}

func TestResolveNotStaleAfterConcurrentDeactivation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, Seed(ctx, store))
	svc := NewService(store, ServiceConfig{Cache: NewCache(client, time.Minute)})
	require.NoError(t, svc.Load(ctx))
	store.assign(10, RoleStaff)

	// Deactivate the permission while the first resolution sits between its
	// cache read and its repopulation, so the structural change commits after
	// the resolution captured its view of the world.
	hook := &mutateOnLookupHook{mutate: func() {
		if err := svc.SetPermissionActive(ctx, 1, PermEditReferral, false); err != nil {
			t.Errorf("deactivate: %v", err)
		}
	}}
	client.AddHook(hook)

	_, err := svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)

	// The repopulation raced with the deactivation; no later check may serve
	// a set computed from the pre-mutation snapshot.
	allowed, err := svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestMutationFailsWhenInvalidationFails(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	auditor := &recordingAuditor{}
	store := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, Seed(ctx, store))
	svc := NewService(store, ServiceConfig{Cache: NewCache(client, time.Minute), Auditor: auditor})
	require.NoError(t, svc.Load(ctx))
	store.assign(10, RoleStaff)

	mr.Close()

	err := svc.CreateOverride(ctx, 1, Override{UserID: 10, Codename: PermEditReferral, Polarity: Deny})
	require.Error(t, err)
	err = svc.SetPermissionActive(ctx, 1, PermEditReferral, false)
	require.Error(t, err)

	// The store writes committed and were audited; only the invalidation
	// part of the contract failed.
	require.Equal(t, []string{audit.ActionOverrideCreate, audit.ActionPermissionToggle}, auditor.actions())
	overrides, err := store.ListOverrides(ctx, 10)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
}

func TestResolveDegradesWhenCacheDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc, store := newTestEngine(t, ServiceConfig{Cache: NewCache(client, time.Minute)})
	store.assign(10, RoleStaff)

	mr.Close()

	allowed, err := svc.Resolve(context.Background(), 10, PermEditReferral)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestPermissionDeactivationStopsGrants(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()
	store.assign(10, RoleStaff)

	require.NoError(t, svc.SetPermissionActive(ctx, 1, PermEditReferral, false))
	allowed, err := svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, svc.SetPermissionActive(ctx, 1, PermEditReferral, true))
	allowed, err = svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRegisterPermissionRejectsDuplicate(t *testing.T) {
	svc, _ := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.RegisterPermission(ctx, 1, Permission{Codename: "export_reports", Active: true})
	require.NoError(t, err)
	_, err = svc.RegisterPermission(ctx, 1, Permission{Codename: "Export_Reports", Active: true})
	require.ErrorIs(t, err, ErrDuplicateCodename)
}

func TestAddRoleEdgeRejectsCycle(t *testing.T) {
	svc, _ := newTestEngine(t, ServiceConfig{})

	err := svc.AddRoleEdge(context.Background(), 1, RoleVolunteer, RoleStaff)
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestAddRoleEdgeExtendsInheritance(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()
	store.assign(10, RoleOutreach)

	allowed, err := svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, svc.AddRoleEdge(ctx, 1, RoleOutreach, RoleStaff))
	allowed, err = svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, svc.RemoveRoleEdge(ctx, 1, RoleOutreach, RoleStaff))
	allowed, err = svc.Resolve(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestEveryMutationProducesOneAuditEntry(t *testing.T) {
	auditor := &recordingAuditor{}
	svc, store := newTestEngine(t, ServiceConfig{Auditor: auditor})
	ctx := context.Background()
	store.assign(1, RoleSuperadmin)

	_, err := svc.RegisterPermission(ctx, 1, Permission{Codename: "export_reports", Active: true})
	require.NoError(t, err)
	require.NoError(t, svc.SetPermissionActive(ctx, 1, "export_reports", false))
	require.NoError(t, svc.SetRolePermission(ctx, 1, RolePermission{RoleID: RoleStaff, Codename: PermViewChapter, Active: true}))
	require.NoError(t, svc.CreateOverride(ctx, 1, Override{UserID: 10, Codename: PermViewCalendar, Polarity: Grant}))
	require.NoError(t, svc.RemoveOverride(ctx, 1, 10, PermViewCalendar))
	require.NoError(t, svc.AddRoleEdge(ctx, 1, RoleOutreach, RoleStaff))
	require.NoError(t, svc.RemoveRoleEdge(ctx, 1, RoleOutreach, RoleStaff))
	require.NoError(t, svc.TransitionRole(ctx, 1, 10, RoleStaff))
	require.NoError(t, svc.RemoveRole(ctx, 1, 10))

	require.Equal(t, []string{
		audit.ActionPermissionRegister,
		audit.ActionPermissionToggle,
		audit.ActionRolePermissionToggle,
		audit.ActionOverrideCreate,
		audit.ActionOverrideRemove,
		audit.ActionRoleEdgeAdd,
		audit.ActionRoleEdgeRemove,
		audit.ActionRoleAssign,
		audit.ActionRoleRemove,
	}, auditor.actions())
}

func TestRemoveLapsedOverrideRecordedAsExpiry(t *testing.T) {
	auditor := &recordingAuditor{}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc, _ := newTestEngine(t, ServiceConfig{Auditor: auditor, Now: clock})
	ctx := context.Background()

	require.NoError(t, svc.CreateOverride(ctx, 1, Override{
		UserID:    10,
		Codename:  PermViewCalendar,
		Polarity:  Grant,
		ExpiresAt: now.Add(time.Hour),
	}))

	now = now.Add(2 * time.Hour)
	require.NoError(t, svc.RemoveOverride(ctx, 1, 10, PermViewCalendar))
	require.Equal(t, []string{audit.ActionOverrideCreate, audit.ActionOverrideExpire}, auditor.actions())
}

func TestRemoveOverrideMissing(t *testing.T) {
	svc, _ := newTestEngine(t, ServiceConfig{})
	err := svc.RemoveOverride(context.Background(), 1, 10, PermViewCalendar)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExplainReportsPrecedenceRule(t *testing.T) {
	svc, store := newTestEngine(t, ServiceConfig{})
	ctx := context.Background()
	store.assign(10, RoleStaff)
	store.assign(20, RoleSuperadmin)

	decision, err := svc.Explain(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Equal(t, ReasonRoleGrant, decision.Reason)

	require.NoError(t, svc.CreateOverride(ctx, 1, Override{UserID: 10, Codename: PermEditReferral, Polarity: Deny}))
	decision, err = svc.Explain(ctx, 10, PermEditReferral)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonDenyOverride, decision.Reason)

	decision, err = svc.Explain(ctx, 20, PermEditReferral)
	require.NoError(t, err)
	require.Equal(t, ReasonSuperuser, decision.Reason)

	decision, err = svc.Explain(ctx, 10, "launch_rockets")
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonUnknownCodename, decision.Reason)
}

func TestSeedIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	require.NoError(t, Seed(ctx, store))
	require.NoError(t, Seed(ctx, store))

	roles, err := store.LoadRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, len(DefaultRoles()))
	_, err = NewGraph(roles)
	require.NoError(t, err)

	perms, err := store.LoadPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, len(BuiltinPermissions()))
}
