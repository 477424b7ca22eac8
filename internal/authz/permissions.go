package authz

// Built-in permission codenames seeded at initialization. Dynamic
// permissions registered at runtime live alongside these in the catalog.
const (
	PermViewConstituent = "view_constituent"
	PermEditConstituent = "edit_constituent"

	PermViewReferral = "view_referral"
	PermEditReferral = "edit_referral"

	PermViewCalendar = "view_calendar"
	PermEditCalendar = "edit_calendar"

	PermViewChapter   = "view_chapter"
	PermManageChapter = "manage_chapter"

	PermManageRoles     = "manage_roles"
	PermManageOverrides = "manage_overrides"
	PermViewAuditLog    = "view_audit_log"
)

// Permission categories.
const (
	CategoryConstituents = "constituents"
	CategoryReferrals    = "referrals"
	CategoryCalendar     = "calendar"
	CategoryChapters     = "chapters"
	CategoryAdmin        = "admin"
)
