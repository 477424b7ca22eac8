package authz

import (
	"sort"
	"time"
)

// Snapshot bundles the read-mostly shared state a resolution needs: the role
// graph, the permission catalog, and per-role default grants. It is built at
// startup, rebuilt on structural mutation, and swapped atomically; the
// resolver itself never mutates it.
type Snapshot struct {
	Graph   *Graph
	Catalog *Catalog
	// rolePerms maps role ID -> codename -> active flag.
	rolePerms map[string]map[string]bool
	Version   uint64
}

// NewSnapshot assembles a snapshot from validated parts.
func NewSnapshot(graph *Graph, catalog *Catalog, grants []RolePermission, version uint64) *Snapshot {
	rolePerms := make(map[string]map[string]bool)
	for _, grant := range grants {
		codename := NormalizeCodename(grant.Codename)
		perms, ok := rolePerms[grant.RoleID]
		if !ok {
			perms = make(map[string]bool)
			rolePerms[grant.RoleID] = perms
		}
		perms[codename] = grant.Active
	}
	return &Snapshot{Graph: graph, Catalog: catalog, rolePerms: rolePerms, Version: version}
}

// withGraph derives a snapshot with a replacement graph.
func (s *Snapshot) withGraph(graph *Graph, version uint64) *Snapshot {
	return &Snapshot{Graph: graph, Catalog: s.Catalog, rolePerms: s.rolePerms, Version: version}
}

// withCatalog derives a snapshot with a replacement catalog.
func (s *Snapshot) withCatalog(catalog *Catalog, version uint64) *Snapshot {
	return &Snapshot{Graph: s.Graph, Catalog: catalog, rolePerms: s.rolePerms, Version: version}
}

// withRolePerm derives a snapshot with one role grant added or toggled. The
// role permission maps are copied, never mutated in place.
func (s *Snapshot) withRolePerm(grant RolePermission, version uint64) *Snapshot {
	codename := NormalizeCodename(grant.Codename)
	rolePerms := make(map[string]map[string]bool, len(s.rolePerms)+1)
	for roleID, perms := range s.rolePerms {
		rolePerms[roleID] = perms
	}
	perms := make(map[string]bool, len(s.rolePerms[grant.RoleID])+1)
	for code, active := range s.rolePerms[grant.RoleID] {
		perms[code] = active
	}
	perms[codename] = grant.Active
	rolePerms[grant.RoleID] = perms
	return &Snapshot{Graph: s.Graph, Catalog: s.Catalog, rolePerms: rolePerms, Version: version}
}

// RoleGrants reports whether any role in the closure of roleID carries an
// active default grant for the codename.
func (s *Snapshot) RoleGrants(roleID, codename string) bool {
	ids, ok := s.Graph.closures[roleID]
	if !ok {
		return false
	}
	for id := range ids {
		if active, ok := s.rolePerms[id][codename]; ok && active {
			return true
		}
	}
	return false
}

// Resolve decides allow/deny for one (role, overrides, codename) input.
// Precedence, strictly ordered: unknown codename fails closed, superuser
// bypass, deny override, grant override, catalog-active role-derived grant,
// default deny. Deny overrides outrank every grant, including explicit grant
// overrides.
func Resolve(snap *Snapshot, roleID, codename string, overrides []Override, now time.Time) (bool, string) {
	codename = NormalizeCodename(codename)
	if !snap.Catalog.Has(codename) {
		return false, ReasonUnknownCodename
	}
	if top := snap.Graph.TopRole(); top != "" && snap.Graph.InClosure(roleID, top) {
		return true, ReasonSuperuser
	}
	var grant *Override
	for i := range overrides {
		o := overrides[i]
		if NormalizeCodename(o.Codename) != codename || o.Expired(now) {
			continue
		}
		if o.Polarity == Deny {
			return false, ReasonDenyOverride
		}
		grant = &overrides[i]
	}
	if grant != nil {
		return true, ReasonGrantOverride
	}
	if perm, _ := snap.Catalog.Lookup(codename); perm.Active && snap.RoleGrants(roleID, codename) {
		return true, ReasonRoleGrant
	}
	return false, ReasonDefaultDeny
}

// ResolveAll computes the full effective permission set for a role plus its
// overrides by applying Resolve across the entire catalog. The result is what
// gets cached per user.
func ResolveAll(snap *Snapshot, roleID string, overrides []Override, now time.Time) []string {
	var out []string
	for _, perm := range snap.Catalog.List() {
		if allowed, _ := Resolve(snap, roleID, perm.Codename, overrides, now); allowed {
			out = append(out, perm.Codename)
		}
	}
	sort.Strings(out)
	return out
}
