package authz

import (
	"context"
	"time"
)

// Store is the persistence contract the engine depends on. The production
// implementation is the pgx-backed Repository; tests substitute stubs.
type Store interface {
	LoadRoles(ctx context.Context) ([]Role, error)
	UpsertRole(ctx context.Context, role Role) error
	InsertRoleEdge(ctx context.Context, child, parent string) error
	DeleteRoleEdge(ctx context.Context, child, parent string) error

	LoadPermissions(ctx context.Context) ([]Permission, error)
	InsertPermission(ctx context.Context, perm Permission) error
	UpdatePermissionActive(ctx context.Context, codename string, active bool) error

	LoadRolePermissions(ctx context.Context) ([]RolePermission, error)
	UpsertRolePermission(ctx context.Context, grant RolePermission) error

	GetAssignment(ctx context.Context, userID int64) (Assignment, error)
	UpsertAssignment(ctx context.Context, userID int64, roleID string) error
	DeleteAssignment(ctx context.Context, userID int64) error

	ListOverrides(ctx context.Context, userID int64) ([]Override, error)
	UpsertOverride(ctx context.Context, override Override) error
	DeleteOverride(ctx context.Context, userID int64, codename string) error
}

// Clock abstracts time for override expiry checks in tests.
type Clock func() time.Time
