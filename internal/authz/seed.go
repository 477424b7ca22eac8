package authz

import (
	"context"
	"errors"
	"fmt"
)

// Default role identifiers. Volunteer is the base operational role; staff
// and outreach are specializations of it; coordinator outranks staff;
// superadmin is the designated top-level role that bypasses all checks.
const (
	RoleVolunteer   = "volunteer"
	RoleOutreach    = "outreach"
	RoleStaff       = "staff"
	RoleChapterLead = "chapter_lead"
	RoleCoordinator = "coordinator"
	RoleAdmin       = "admin"
	RoleSuperadmin  = "superadmin"
)

// DefaultRoles returns the deployment-time role graph.
func DefaultRoles() []Role {
	return []Role{
		{ID: RoleVolunteer, Name: "Volunteer", Level: 2},
		{ID: RoleOutreach, Name: "Outreach", Level: 3, Parents: []string{RoleVolunteer}},
		{ID: RoleStaff, Name: "Staff", Level: 4, Parents: []string{RoleVolunteer}},
		{ID: RoleChapterLead, Name: "Chapter Lead", Level: 5, Parents: []string{RoleVolunteer}},
		{ID: RoleCoordinator, Name: "Coordinator", Level: 6, Parents: []string{RoleStaff}},
		{ID: RoleAdmin, Name: "Administrator", Level: 8, Parents: []string{RoleCoordinator, RoleChapterLead}},
		{ID: RoleSuperadmin, Name: "Superadmin", Level: 10, Parents: []string{RoleAdmin}},
	}
}

// BuiltinPermissions returns the seeded permission catalog.
func BuiltinPermissions() []Permission {
	return []Permission{
		{Codename: PermViewConstituent, Description: "View constituent records", Category: CategoryConstituents, Active: true},
		{Codename: PermEditConstituent, Description: "Edit constituent records", Category: CategoryConstituents, Active: true},
		{Codename: PermViewReferral, Description: "View referral forms", Category: CategoryReferrals, Active: true},
		{Codename: PermEditReferral, Description: "Edit referral forms", Category: CategoryReferrals, Active: true},
		{Codename: PermViewCalendar, Description: "View the shared calendar", Category: CategoryCalendar, Active: true},
		{Codename: PermEditCalendar, Description: "Edit the shared calendar", Category: CategoryCalendar, Active: true},
		{Codename: PermViewChapter, Description: "View chapter directories", Category: CategoryChapters, Active: true},
		{Codename: PermManageChapter, Description: "Manage chapter directories", Category: CategoryChapters, Active: true},
		{Codename: PermManageRoles, Description: "Manage roles and role grants", Category: CategoryAdmin, Active: true},
		{Codename: PermManageOverrides, Description: "Manage per-user overrides", Category: CategoryAdmin, Active: true},
		{Codename: PermViewAuditLog, Description: "Read the audit trail", Category: CategoryAdmin, Active: true},
	}
}

// defaultGrants maps roles to the permissions they grant by default.
func defaultGrants() []RolePermission {
	grants := map[string][]string{
		RoleVolunteer:   {PermViewCalendar, PermViewChapter},
		RoleOutreach:    {PermViewConstituent, PermViewReferral},
		RoleStaff:       {PermViewConstituent, PermEditConstituent, PermViewReferral, PermEditReferral},
		RoleChapterLead: {PermManageChapter, PermEditCalendar},
		RoleCoordinator: {PermEditCalendar, PermManageChapter},
		RoleAdmin:       {PermManageRoles, PermManageOverrides, PermViewAuditLog},
	}
	var out []RolePermission
	for roleID, codenames := range grants {
		for _, codename := range codenames {
			out = append(out, RolePermission{RoleID: roleID, Codename: codename, Active: true})
		}
	}
	return out
}

// Seed installs the default roles, edges, built-in permissions, and role
// grants. It is idempotent and safe to run on every startup; seeding is not
// an administrative mutation and is not audited.
func Seed(ctx context.Context, store Store) error {
	roles := DefaultRoles()
	if _, err := NewGraph(roles); err != nil {
		return fmt.Errorf("authz: seed roles: %w", err)
	}
	for _, role := range roles {
		if err := store.UpsertRole(ctx, role); err != nil {
			return err
		}
	}
	for _, role := range roles {
		for _, parent := range role.Parents {
			if err := store.InsertRoleEdge(ctx, role.ID, parent); err != nil {
				return err
			}
		}
	}
	for _, perm := range BuiltinPermissions() {
		err := store.InsertPermission(ctx, perm)
		if err != nil && !errors.Is(err, ErrDuplicateCodename) {
			return err
		}
	}
	for _, grant := range defaultGrants() {
		if err := store.UpsertRolePermission(ctx, grant); err != nil {
			return err
		}
	}
	return nil
}
