package authz

import (
	"fmt"
	"sort"
	"strings"
)

// Catalog is an immutable snapshot of the permission registry. Lookups are
// hash lookups on the codename; this is the innermost read path of every
// resolution and must stay O(1).
type Catalog struct {
	byCodename map[string]Permission
}

// NewCatalog builds a snapshot from the given permissions. Codenames are
// normalized to lower case; duplicates are rejected.
func NewCatalog(perms []Permission) (*Catalog, error) {
	byCodename := make(map[string]Permission, len(perms))
	for _, perm := range perms {
		perm.Codename = NormalizeCodename(perm.Codename)
		if perm.Codename == "" {
			return nil, fmt.Errorf("authz: permission codename required")
		}
		if _, ok := byCodename[perm.Codename]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCodename, perm.Codename)
		}
		byCodename[perm.Codename] = perm
	}
	return &Catalog{byCodename: byCodename}, nil
}

// NormalizeCodename canonicalizes a permission codename.
func NormalizeCodename(codename string) string {
	return strings.ToLower(strings.TrimSpace(codename))
}

// Lookup returns the permission for a codename.
func (c *Catalog) Lookup(codename string) (Permission, bool) {
	perm, ok := c.byCodename[NormalizeCodename(codename)]
	return perm, ok
}

// Has reports whether the codename is registered, active or not.
func (c *Catalog) Has(codename string) bool {
	_, ok := c.Lookup(codename)
	return ok
}

// WithPermission returns a new snapshot including the given permission.
func (c *Catalog) WithPermission(perm Permission) (*Catalog, error) {
	perm.Codename = NormalizeCodename(perm.Codename)
	if _, ok := c.byCodename[perm.Codename]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCodename, perm.Codename)
	}
	return c.clone(func(m map[string]Permission) { m[perm.Codename] = perm }), nil
}

// WithActive returns a new snapshot with the permission's active flag set.
func (c *Catalog) WithActive(codename string, active bool) (*Catalog, error) {
	codename = NormalizeCodename(codename)
	perm, ok := c.byCodename[codename]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPermission, codename)
	}
	perm.Active = active
	return c.clone(func(m map[string]Permission) { m[codename] = perm }), nil
}

// ListActive returns all active permissions sorted by codename.
func (c *Catalog) ListActive() []Permission {
	out := make([]Permission, 0, len(c.byCodename))
	for _, perm := range c.byCodename {
		if perm.Active {
			out = append(out, perm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out
}

// List returns every registered permission sorted by codename.
func (c *Catalog) List() []Permission {
	out := make([]Permission, 0, len(c.byCodename))
	for _, perm := range c.byCodename {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out
}

func (c *Catalog) clone(mutate func(map[string]Permission)) *Catalog {
	byCodename := make(map[string]Permission, len(c.byCodename)+1)
	for codename, perm := range c.byCodename {
		byCodename[codename] = perm
	}
	mutate(byCodename)
	return &Catalog{byCodename: byCodename}
}
