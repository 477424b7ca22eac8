package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridian-crm/meridian-crm/internal/audit"
	"github.com/meridian-crm/meridian-crm/internal/observability"
)

// Auditor records mutation audit entries. Implemented by audit.Service;
// recording is best-effort and never blocks the mutation.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) audit.Entry
}

// Notifier is told about committed role transitions. Delivery is
// fire-and-forget; failures never roll back the transition.
type Notifier interface {
	RoleChanged(ctx context.Context, userID int64, oldRole, newRole string) error
}

// Service owns the engine: the shared snapshot, the permission cache, and
// every administrative mutation. Resolution reads the snapshot lock-free;
// structural mutations build a new snapshot and swap it atomically. Per-user
// mutations serialize on a per-user lock so concurrent administrative actions
// on one user cannot lose updates.
type Service struct {
	store    Store
	cache    *Cache
	auditor  Auditor
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      Clock

	snap    atomic.Pointer[Snapshot]
	version atomic.Uint64

	// structMu serializes structural mutations (graph, catalog, role grants).
	structMu sync.Mutex
	userMu   sync.Map // userID -> *sync.Mutex
	flights  singleflight.Group
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Cache    *Cache
	Auditor  Auditor
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Now      Clock
}

// NewService constructs the engine. Load must be called before serving
// resolution requests.
func NewService(store Store, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    store,
		cache:    cfg.Cache,
		auditor:  cfg.Auditor,
		notifier: cfg.Notifier,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      now,
	}
}

// Load reads the role graph, catalog, and role grants from the store and
// publishes the initial snapshot.
func (s *Service) Load(ctx context.Context) error {
	roles, err := s.store.LoadRoles(ctx)
	if err != nil {
		return err
	}
	graph, err := NewGraph(roles)
	if err != nil {
		return fmt.Errorf("authz: load graph: %w", err)
	}
	perms, err := s.store.LoadPermissions(ctx)
	if err != nil {
		return err
	}
	catalog, err := NewCatalog(perms)
	if err != nil {
		return fmt.Errorf("authz: load catalog: %w", err)
	}
	grants, err := s.store.LoadRolePermissions(ctx)
	if err != nil {
		return err
	}
	s.publish(NewSnapshot(graph, catalog, grants, s.version.Add(1)))
	return nil
}

// Snapshot returns the current shared state. Never nil after Load.
func (s *Service) Snapshot() *Snapshot {
	return s.snap.Load()
}

func (s *Service) publish(snap *Snapshot) {
	s.snap.Store(snap)
}

// Resolve decides whether the user holds the permission. Unknown codenames
// fail closed. Infrastructure errors from the persistent store are returned;
// cache failures only degrade latency, never correctness.
func (s *Service) Resolve(ctx context.Context, userID int64, codename string) (bool, error) {
	snap := s.Snapshot()
	codename = NormalizeCodename(codename)
	if !snap.Catalog.Has(codename) {
		s.metrics.ObserveResolution(false)
		return false, nil
	}
	perms, _, err := s.effective(ctx, userID)
	if err != nil {
		return false, err
	}
	allowed := containsString(perms, codename)
	s.metrics.ObserveResolution(allowed)
	return allowed, nil
}

// ResolveAll returns the user's full effective permission set.
func (s *Service) ResolveAll(ctx context.Context, userID int64) ([]string, error) {
	perms, _, err := s.effective(ctx, userID)
	return perms, err
}

// Explain computes one decision directly from the store, bypassing the
// cache, and reports which precedence rule produced it.
func (s *Service) Explain(ctx context.Context, userID int64, codename string) (Decision, error) {
	snap := s.Snapshot()
	roleID, overrides, err := s.loadUserState(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	checkedAt := s.now()
	allowed, reason := Resolve(snap, roleID, codename, overrides, checkedAt)
	return Decision{
		UserID:    userID,
		Codename:  NormalizeCodename(codename),
		Allowed:   allowed,
		Reason:    reason,
		CheckedAt: checkedAt,
	}, nil
}

// effective returns the user's permission set, preferring the cache. The
// snapshot is read only after the version stamp is captured: mutations
// publish their snapshot before bumping the cache version, so any
// repopulation that observes a stamp also observes the snapshot of the
// mutation that wrote it. The singleflight key includes the stamp so a
// repopulation started before an invalidation can never serve a caller that
// arrived after it.
func (s *Service) effective(ctx context.Context, userID int64) ([]string, bool, error) {
	if s.cache == nil {
		perms, err := s.compute(ctx, userID, s.Snapshot())
		return perms, false, err
	}
	perms, ok, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.degrade(err)
		perms, err := s.compute(ctx, userID, s.Snapshot())
		return perms, false, err
	}
	if ok {
		s.metrics.ObserveCacheLookup("hit")
		return perms, true, nil
	}
	s.metrics.ObserveCacheLookup("miss")
	version, err := s.cache.Version(ctx, userID)
	if err != nil {
		s.degrade(err)
		perms, err := s.compute(ctx, userID, s.Snapshot())
		return perms, false, err
	}
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(version.Epoch, 10) + ":" + strconv.FormatInt(version.User, 10)
	result, err, _ := s.flights.Do(key, func() (any, error) {
		perms, err := s.compute(ctx, userID, s.Snapshot())
		if err != nil {
			return nil, err
		}
		if err := s.cache.Put(ctx, userID, perms, version); err != nil {
			s.degrade(err)
		}
		return perms, nil
	})
	if err != nil {
		return nil, false, err
	}
	return result.([]string), false, nil
}

func (s *Service) compute(ctx context.Context, userID int64, snap *Snapshot) ([]string, error) {
	roleID, overrides, err := s.loadUserState(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ResolveAll(snap, roleID, overrides, s.now()), nil
}

// loadUserState reads the user's role and overrides. A user without an
// assignment has no role-derived grants but overrides still apply.
func (s *Service) loadUserState(ctx context.Context, userID int64) (string, []Override, error) {
	var roleID string
	assignment, err := s.store.GetAssignment(ctx, userID)
	switch {
	case err == nil:
		roleID = assignment.RoleID
	case errors.Is(err, ErrNotFound):
	default:
		return "", nil, err
	}
	overrides, err := s.store.ListOverrides(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	return roleID, overrides, nil
}

func (s *Service) degrade(err error) {
	s.metrics.ObserveCacheLookup("error")
	s.logger.Warn("permission cache unavailable, resolving directly", slog.Any("error", err))
}

// AddRoleEdge adds an inheritance edge after cycle validation, persists it,
// swaps the snapshot, and invalidates every cached entry.
func (s *Service) AddRoleEdge(ctx context.Context, actorID int64, child, parent string) error {
	s.structMu.Lock()
	defer s.structMu.Unlock()
	snap := s.Snapshot()
	graph, err := snap.Graph.WithEdge(child, parent)
	if err != nil {
		return err
	}
	if graph == snap.Graph {
		return nil // edge already present
	}
	if err := s.store.InsertRoleEdge(ctx, child, parent); err != nil {
		return err
	}
	s.publish(snap.withGraph(graph, s.version.Add(1)))
	// The store write committed; audit it even when invalidation fails.
	invErr := s.invalidateAll(ctx)
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionRoleEdgeAdd,
		TargetKind: audit.TargetRoleEdge,
		TargetID:   child + "->" + parent,
		After:      map[string]any{"child": child, "parent": parent},
	})
	return invErr
}

// RemoveRoleEdge deletes an inheritance edge.
func (s *Service) RemoveRoleEdge(ctx context.Context, actorID int64, child, parent string) error {
	s.structMu.Lock()
	defer s.structMu.Unlock()
	snap := s.Snapshot()
	graph, err := snap.Graph.WithoutEdge(child, parent)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRoleEdge(ctx, child, parent); err != nil {
		return err
	}
	s.publish(snap.withGraph(graph, s.version.Add(1)))
	invErr := s.invalidateAll(ctx)
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionRoleEdgeRemove,
		TargetKind: audit.TargetRoleEdge,
		TargetID:   child + "->" + parent,
		Before:     map[string]any{"child": child, "parent": parent},
	})
	return invErr
}

// RegisterPermission adds a permission to the catalog at runtime.
func (s *Service) RegisterPermission(ctx context.Context, actorID int64, perm Permission) (Permission, error) {
	s.structMu.Lock()
	defer s.structMu.Unlock()
	perm.Codename = NormalizeCodename(perm.Codename)
	snap := s.Snapshot()
	catalog, err := snap.Catalog.WithPermission(perm)
	if err != nil {
		return Permission{}, err
	}
	if err := s.store.InsertPermission(ctx, perm); err != nil {
		return Permission{}, err
	}
	s.publish(snap.withCatalog(catalog, s.version.Add(1)))
	invErr := s.invalidateAll(ctx)
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionPermissionRegister,
		TargetKind: audit.TargetPermission,
		TargetID:   perm.Codename,
		After:      permissionState(perm),
	})
	return perm, invErr
}

// SetPermissionActive toggles a catalog entry's active flag.
func (s *Service) SetPermissionActive(ctx context.Context, actorID int64, codename string, active bool) error {
	s.structMu.Lock()
	defer s.structMu.Unlock()
	codename = NormalizeCodename(codename)
	snap := s.Snapshot()
	before, ok := snap.Catalog.Lookup(codename)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, codename)
	}
	catalog, err := snap.Catalog.WithActive(codename, active)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePermissionActive(ctx, codename, active); err != nil {
		return err
	}
	s.publish(snap.withCatalog(catalog, s.version.Add(1)))
	invErr := s.invalidateAll(ctx)
	after := before
	after.Active = active
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionPermissionToggle,
		TargetKind: audit.TargetPermission,
		TargetID:   codename,
		Before:     permissionState(before),
		After:      permissionState(after),
	})
	return invErr
}

// SetRolePermission creates or toggles a role's default grant.
func (s *Service) SetRolePermission(ctx context.Context, actorID int64, grant RolePermission) error {
	s.structMu.Lock()
	defer s.structMu.Unlock()
	grant.Codename = NormalizeCodename(grant.Codename)
	snap := s.Snapshot()
	if !snap.Graph.Has(grant.RoleID) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, grant.RoleID)
	}
	if !snap.Catalog.Has(grant.Codename) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, grant.Codename)
	}
	if err := s.store.UpsertRolePermission(ctx, grant); err != nil {
		return err
	}
	s.publish(snap.withRolePerm(grant, s.version.Add(1)))
	invErr := s.invalidateAll(ctx)
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionRolePermissionToggle,
		TargetKind: audit.TargetRole,
		TargetID:   grant.RoleID,
		After:      map[string]any{"codename": grant.Codename, "active": grant.Active},
	})
	return invErr
}

// CreateOverride installs a per-user grant or deny override.
func (s *Service) CreateOverride(ctx context.Context, actorID int64, override Override) error {
	override.Codename = NormalizeCodename(override.Codename)
	if override.Polarity != Grant && override.Polarity != Deny {
		return fmt.Errorf("authz: invalid override polarity %q", override.Polarity)
	}
	if !s.Snapshot().Catalog.Has(override.Codename) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, override.Codename)
	}
	unlock := s.lockUser(override.UserID)
	defer unlock()
	if err := s.store.UpsertOverride(ctx, override); err != nil {
		return err
	}
	invErr := s.invalidateUser(ctx, override.UserID)
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionOverrideCreate,
		TargetKind: audit.TargetUser,
		TargetID:   strconv.FormatInt(override.UserID, 10),
		After:      overrideState(override),
	})
	return invErr
}

// RemoveOverride deletes an override. Removing one that already lapsed is
// recorded as an expiry rather than an administrative removal.
func (s *Service) RemoveOverride(ctx context.Context, actorID, userID int64, codename string) error {
	codename = NormalizeCodename(codename)
	unlock := s.lockUser(userID)
	defer unlock()
	overrides, err := s.store.ListOverrides(ctx, userID)
	if err != nil {
		return err
	}
	var existing *Override
	for i := range overrides {
		if NormalizeCodename(overrides[i].Codename) == codename {
			existing = &overrides[i]
			break
		}
	}
	if existing == nil {
		return ErrNotFound
	}
	if err := s.store.DeleteOverride(ctx, userID, codename); err != nil {
		return err
	}
	invErr := s.invalidateUser(ctx, userID)
	action := audit.ActionOverrideRemove
	if existing.Expired(s.now()) {
		action = audit.ActionOverrideExpire
	}
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     action,
		TargetKind: audit.TargetUser,
		TargetID:   strconv.FormatInt(userID, 10),
		Before:     overrideState(*existing),
	})
	return invErr
}

// invalidateAll bumps the global cache epoch. Invalidation is part of the
// mutation's contract: a failure surfaces to the mutating caller instead of
// leaving pre-mutation sets served until TTL.
func (s *Service) invalidateAll(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.metrics.ObserveCacheLookup("error")
		return err
	}
	return nil
}

func (s *Service) invalidateUser(ctx context.Context, userID int64) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.metrics.ObserveCacheLookup("error")
		return err
	}
	return nil
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, entry)
}

// lockUser acquires the per-user mutation lock and returns its release func.
func (s *Service) lockUser(userID int64) func() {
	value, _ := s.userMu.LoadOrStore(userID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func permissionState(perm Permission) map[string]any {
	return map[string]any{
		"codename":    perm.Codename,
		"description": perm.Description,
		"category":    perm.Category,
		"active":      perm.Active,
	}
}

func overrideState(override Override) map[string]any {
	state := map[string]any{
		"codename": override.Codename,
		"polarity": string(override.Polarity),
	}
	if !override.ExpiresAt.IsZero() {
		state["expires_at"] = override.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return state
}

func containsString(list []string, want string) bool {
	i := sort.SearchStrings(list, want)
	return i < len(list) && list[i] == want
}
