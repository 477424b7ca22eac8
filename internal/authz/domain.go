// Package authz implements the role-based authorization engine: the role
// inheritance graph, the permission catalog, per-user overrides, and the
// resolution algorithm that combines them into allow/deny decisions.
package authz

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by administrative mutations. Resolution never
// returns these; unknown permissions fail closed instead.
var (
	ErrCycleDetected         = errors.New("authz: role edge would create a cycle")
	ErrDuplicateLevel        = errors.New("authz: role level already claimed")
	ErrDuplicateCodename     = errors.New("authz: permission codename already registered")
	ErrUnknownRole           = errors.New("authz: unknown role")
	ErrUnknownPermission     = errors.New("authz: unknown permission")
	ErrUnknownTargetRole     = errors.New("authz: unknown target role")
	ErrInsufficientAuthority = errors.New("authz: actor authority below target role")
	ErrSelfEscalation        = errors.New("authz: actors may not raise their own role")
	ErrNotFound              = errors.New("authz: not found")
)

// Role is a named authority level participating in the inheritance DAG.
// Levels are unique across roles and strictly increase with authority.
type Role struct {
	ID      string
	Name    string
	Level   int
	Parents []string
}

// Permission is an atomic capability identified by a stable codename.
// Inactive permissions resolve to deny for role-derived grants.
type Permission struct {
	Codename    string
	Description string
	Category    string
	Active      bool
}

// RolePermission ties a permission to a role as a default grant.
type RolePermission struct {
	RoleID   string
	Codename string
	Active   bool
}

// OverridePolarity is the direction of a per-user override.
type OverridePolarity string

const (
	// Grant allows the permission regardless of role-derived state.
	Grant OverridePolarity = "grant"
	// Deny blocks the permission and outranks every grant.
	Deny OverridePolarity = "deny"
)

// Override is a per-user exception outranking role-derived permissions.
// A zero ExpiresAt means the override never expires.
type Override struct {
	UserID    int64
	Codename  string
	Polarity  OverridePolarity
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the override has lapsed at the given instant.
func (o Override) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Assignment records a user's current role.
type Assignment struct {
	UserID    int64
	RoleID    string
	UpdatedAt time.Time
}

// Decision is the outcome of a single resolution, with the precedence rule
// that produced it. Reason values are stable strings suitable for logs.
type Decision struct {
	UserID    int64
	Codename  string
	Allowed   bool
	Reason    string
	CheckedAt time.Time
	FromCache bool
}

// Decision reasons.
const (
	ReasonSuperuser       = "superuser"
	ReasonDenyOverride    = "deny_override"
	ReasonGrantOverride   = "grant_override"
	ReasonRoleGrant       = "role_grant"
	ReasonDefaultDeny     = "default_deny"
	ReasonUnknownCodename = "unknown_codename"
)
