package audithttp

import "github.com/go-chi/chi/v5"

// MountRoutes registers the audit query routes. The caller is expected to
// guard them with the view_audit_log permission.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
}
