package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the engine.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadRoles returns every role with its inheritance edges.
func (r *Repository) LoadRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, level FROM roles ORDER BY level`)
	if err != nil {
		return nil, fmt.Errorf("authz: load roles: %w", err)
	}
	defer rows.Close()
	var roles []Role
	index := make(map[string]int)
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Level); err != nil {
			return nil, fmt.Errorf("authz: scan role: %w", err)
		}
		index[role.ID] = len(roles)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authz: load roles: %w", err)
	}

	edgeRows, err := r.pool.Query(ctx, `SELECT child_id, parent_id FROM role_edges`)
	if err != nil {
		return nil, fmt.Errorf("authz: load role edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var child, parent string
		if err := edgeRows.Scan(&child, &parent); err != nil {
			return nil, fmt.Errorf("authz: scan role edge: %w", err)
		}
		if i, ok := index[child]; ok {
			roles[i].Parents = append(roles[i].Parents, parent)
		}
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("authz: load role edges: %w", err)
	}
	return roles, nil
}

// UpsertRole creates or updates a role definition. Used by deployment-time
// seeding; the graph is rebuilt and validated before serving.
func (r *Repository) UpsertRole(ctx context.Context, role Role) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO roles (id, name, level) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, level = EXCLUDED.level`,
		role.ID, role.Name, role.Level)
	if err != nil {
		return fmt.Errorf("authz: upsert role: %w", err)
	}
	return nil
}

// InsertRoleEdge persists an inheritance edge. Cycle validation happens on
// the in-memory snapshot before this is called.
func (r *Repository) InsertRoleEdge(ctx context.Context, child, parent string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO role_edges (child_id, parent_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, child, parent)
	if err != nil {
		return fmt.Errorf("authz: insert role edge: %w", err)
	}
	return nil
}

// DeleteRoleEdge removes an inheritance edge.
func (r *Repository) DeleteRoleEdge(ctx context.Context, child, parent string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_edges WHERE child_id = $1 AND parent_id = $2`, child, parent)
	if err != nil {
		return fmt.Errorf("authz: delete role edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadPermissions returns the full permission catalog.
func (r *Repository) LoadPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT codename, description, category, active FROM permissions ORDER BY codename`)
	if err != nil {
		return nil, fmt.Errorf("authz: load permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.Codename, &perm.Description, &perm.Category, &perm.Active); err != nil {
			return nil, fmt.Errorf("authz: scan permission: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authz: load permissions: %w", err)
	}
	return perms, nil
}

// InsertPermission registers a permission. Duplicate codenames surface as
// ErrDuplicateCodename.
func (r *Repository) InsertPermission(ctx context.Context, perm Permission) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO permissions (codename, description, category, active) VALUES ($1, $2, $3, $4)`,
		perm.Codename, perm.Description, perm.Category, perm.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateCodename, perm.Codename)
		}
		return fmt.Errorf("authz: insert permission: %w", err)
	}
	return nil
}

// UpdatePermissionActive toggles the catalog active flag.
func (r *Repository) UpdatePermissionActive(ctx context.Context, codename string, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE permissions SET active = $2 WHERE codename = $1`, codename, active)
	if err != nil {
		return fmt.Errorf("authz: update permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, codename)
	}
	return nil
}

// LoadRolePermissions returns every role default grant.
func (r *Repository) LoadRolePermissions(ctx context.Context) ([]RolePermission, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_id, codename, active FROM role_permissions`)
	if err != nil {
		return nil, fmt.Errorf("authz: load role permissions: %w", err)
	}
	defer rows.Close()
	var grants []RolePermission
	for rows.Next() {
		var grant RolePermission
		if err := rows.Scan(&grant.RoleID, &grant.Codename, &grant.Active); err != nil {
			return nil, fmt.Errorf("authz: scan role permission: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authz: load role permissions: %w", err)
	}
	return grants, nil
}

// UpsertRolePermission creates or toggles a role default grant.
func (r *Repository) UpsertRolePermission(ctx context.Context, grant RolePermission) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, codename, active) VALUES ($1, $2, $3)
		 ON CONFLICT (role_id, codename) DO UPDATE SET active = EXCLUDED.active`,
		grant.RoleID, grant.Codename, grant.Active)
	if err != nil {
		return fmt.Errorf("authz: upsert role permission: %w", err)
	}
	return nil
}

// GetAssignment returns a user's current role assignment.
func (r *Repository) GetAssignment(ctx context.Context, userID int64) (Assignment, error) {
	var a Assignment
	err := r.pool.QueryRow(ctx, `SELECT user_id, role_id, updated_at FROM user_roles WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.RoleID, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrNotFound
		}
		return Assignment{}, fmt.Errorf("authz: get assignment: %w", err)
	}
	return a, nil
}

// UpsertAssignment sets a user's role.
func (r *Repository) UpsertAssignment(ctx context.Context, userID int64, roleID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET role_id = EXCLUDED.role_id, updated_at = NOW()`,
		userID, roleID)
	if err != nil {
		return fmt.Errorf("authz: upsert assignment: %w", err)
	}
	return nil
}

// DeleteAssignment removes a user's role.
func (r *Repository) DeleteAssignment(ctx context.Context, userID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("authz: delete assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOverrides returns a user's overrides, expired ones included; expiry is
// checked lazily at resolution time.
func (r *Repository) ListOverrides(ctx context.Context, userID int64) ([]Override, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, codename, polarity, expires_at, created_at FROM overrides WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("authz: list overrides: %w", err)
	}
	defer rows.Close()
	var overrides []Override
	for rows.Next() {
		var (
			o       Override
			expires pgtype.Timestamptz
		)
		if err := rows.Scan(&o.UserID, &o.Codename, &o.Polarity, &expires, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("authz: scan override: %w", err)
		}
		if expires.Valid {
			o.ExpiresAt = expires.Time
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authz: list overrides: %w", err)
	}
	return overrides, nil
}

// UpsertOverride creates or replaces a per-user override.
func (r *Repository) UpsertOverride(ctx context.Context, override Override) error {
	expires := pgtype.Timestamptz{}
	if !override.ExpiresAt.IsZero() {
		expires = pgtype.Timestamptz{Time: override.ExpiresAt, Valid: true}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO overrides (user_id, codename, polarity, expires_at, created_at) VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id, codename) DO UPDATE SET polarity = EXCLUDED.polarity, expires_at = EXCLUDED.expires_at`,
		override.UserID, override.Codename, string(override.Polarity), expires)
	if err != nil {
		return fmt.Errorf("authz: upsert override: %w", err)
	}
	return nil
}

// DeleteOverride removes an override.
func (r *Repository) DeleteOverride(ctx context.Context, userID int64, codename string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM overrides WHERE user_id = $1 AND codename = $2`, userID, codename)
	if err != nil {
		return fmt.Errorf("authz: delete override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
