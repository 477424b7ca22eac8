package authz

import (
	"fmt"
	"sort"
)

// Graph is an immutable snapshot of the role inheritance DAG. Mutating
// operations return a new Graph; callers publish it with an atomic swap so
// in-flight readers never observe a partially updated graph.
type Graph struct {
	roles    map[string]Role
	closures map[string]map[string]struct{}
	top      string
}

// NewGraph validates the role set and builds a snapshot with precomputed
// closures. It rejects duplicate levels, edges to unknown roles, and cycles.
func NewGraph(roles []Role) (*Graph, error) {
	byID := make(map[string]Role, len(roles))
	byLevel := make(map[int]string, len(roles))
	for _, role := range roles {
		if _, ok := byID[role.ID]; ok {
			return nil, fmt.Errorf("authz: role %s declared twice", role.ID)
		}
		if other, ok := byLevel[role.Level]; ok {
			return nil, fmt.Errorf("%w: level %d held by both %s and %s", ErrDuplicateLevel, role.Level, other, role.ID)
		}
		byID[role.ID] = role
		byLevel[role.Level] = role.ID
	}
	for _, role := range byID {
		for _, parent := range role.Parents {
			if _, ok := byID[parent]; !ok {
				return nil, fmt.Errorf("%w: %s (parent of %s)", ErrUnknownRole, parent, role.ID)
			}
		}
	}
	g := &Graph{roles: byID}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	g.buildClosures()
	return g, nil
}

// Has reports whether the role exists in the graph.
func (g *Graph) Has(roleID string) bool {
	_, ok := g.roles[roleID]
	return ok
}

// Role returns the role definition.
func (g *Graph) Role(roleID string) (Role, error) {
	role, ok := g.roles[roleID]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrUnknownRole, roleID)
	}
	return role, nil
}

// Level returns the authority level of a role.
func (g *Graph) Level(roleID string) (int, error) {
	role, err := g.Role(roleID)
	if err != nil {
		return 0, err
	}
	return role.Level, nil
}

// TopRole returns the identifier of the highest-authority role.
func (g *Graph) TopRole() string {
	return g.top
}

// Closure returns the role itself plus every transitively inherited ancestor,
// sorted by descending level for stable iteration.
func (g *Graph) Closure(roleID string) ([]Role, error) {
	ids, ok := g.closures[roleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, roleID)
	}
	out := make([]Role, 0, len(ids))
	for id := range ids {
		out = append(out, g.roles[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level > out[j].Level })
	return out, nil
}

// InClosure reports whether ancestor is in roleID's closure.
func (g *Graph) InClosure(roleID, ancestor string) bool {
	ids, ok := g.closures[roleID]
	if !ok {
		return false
	}
	_, ok = ids[ancestor]
	return ok
}

// Roles returns every role in the graph, sorted by ascending level.
func (g *Graph) Roles() []Role {
	out := make([]Role, 0, len(g.roles))
	for _, role := range g.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// WithEdge returns a new snapshot with an inheritance edge from child to
// parent. The receiver is left untouched; ErrCycleDetected is returned when
// the parent already inherits (transitively) from the child.
func (g *Graph) WithEdge(child, parent string) (*Graph, error) {
	childRole, ok := g.roles[child]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, child)
	}
	if _, ok := g.roles[parent]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, parent)
	}
	if child == parent || g.InClosure(parent, child) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrCycleDetected, child, parent)
	}
	for _, existing := range childRole.Parents {
		if existing == parent {
			return g, nil
		}
	}
	return g.rebuildWithParents(child, append(append([]string(nil), childRole.Parents...), parent))
}

// WithoutEdge returns a new snapshot with the child->parent edge removed.
func (g *Graph) WithoutEdge(child, parent string) (*Graph, error) {
	childRole, ok := g.roles[child]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, child)
	}
	parents := make([]string, 0, len(childRole.Parents))
	removed := false
	for _, existing := range childRole.Parents {
		if existing == parent {
			removed = true
			continue
		}
		parents = append(parents, existing)
	}
	if !removed {
		return nil, fmt.Errorf("%w: edge %s -> %s", ErrNotFound, child, parent)
	}
	return g.rebuildWithParents(child, parents)
}

func (g *Graph) rebuildWithParents(roleID string, parents []string) (*Graph, error) {
	roles := make([]Role, 0, len(g.roles))
	for _, role := range g.roles {
		if role.ID == roleID {
			role.Parents = parents
		}
		roles = append(roles, role)
	}
	return NewGraph(roles)
}

// detectCycles runs a colored DFS over every role.
func (g *Graph) detectCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.roles))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("%w: via %s", ErrCycleDetected, id)
		case black:
			return nil
		}
		color[id] = gray
		for _, parent := range g.roles[id].Parents {
			if err := visit(parent); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.roles {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) buildClosures() {
	g.closures = make(map[string]map[string]struct{}, len(g.roles))
	var collect func(id string, into map[string]struct{})
	collect = func(id string, into map[string]struct{}) {
		if _, seen := into[id]; seen {
			return
		}
		into[id] = struct{}{}
		for _, parent := range g.roles[id].Parents {
			collect(parent, into)
		}
	}
	maxLevel := 0
	for id, role := range g.roles {
		set := make(map[string]struct{})
		collect(id, set)
		g.closures[id] = set
		if g.top == "" || role.Level > maxLevel {
			g.top = id
			maxLevel = role.Level
		}
	}
}
