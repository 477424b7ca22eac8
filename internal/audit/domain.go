// Package audit provides the append-only audit trail for authorization
// mutations. Entries are never updated or deleted by the application.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action kinds recorded in the trail. Every mutating operation on roles,
// overrides, or the permission catalog produces exactly one entry.
const (
	ActionRoleAssign           = "role.assign"
	ActionRoleRemove           = "role.remove"
	ActionOverrideCreate       = "override.create"
	ActionOverrideRemove       = "override.remove"
	ActionOverrideExpire       = "override.expire"
	ActionRolePermissionToggle = "role_permission.toggle"
	ActionPermissionRegister   = "permission.register"
	ActionPermissionToggle     = "permission.toggle"
	ActionRoleEdgeAdd          = "role_edge.add"
	ActionRoleEdgeRemove       = "role_edge.remove"
)

// Target kinds.
const (
	TargetUser       = "user"
	TargetRole       = "role"
	TargetPermission = "permission"
	TargetRoleEdge   = "role_edge"
)

// Entry is one immutable audit record. Seq is assigned by the store from a
// monotonically increasing sequence; queries order by it rather than by
// wall-clock time so results stay correct under clock skew.
type Entry struct {
	ID         uuid.UUID
	Seq        int64
	ActorID    int64
	Action     string
	TargetKind string
	TargetID   string
	Before     map[string]any
	After      map[string]any
	At         time.Time
}

// Filter narrows a trail query. Zero values mean "no constraint".
type Filter struct {
	ActorID    int64
	TargetKind string
	TargetID   string
	From       time.Time
	To         time.Time
	Limit      int
}
