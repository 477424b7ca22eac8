package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/meridian-crm/meridian-crm/internal/platform/httpx"
)

// Handler exposes the engine's administrative surface and the resolution
// endpoints consumed by the request-handling layer.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the authorization routes. The caller applies the
// actor-identity middleware; admin mutations additionally require the
// manage permissions.
func (h *Handler) MountRoutes(r chi.Router) {
	guard := Middleware{Service: h.service, Logger: h.logger}

	r.Get("/users/{userID}/permissions", h.resolveAll)
	r.Get("/users/{userID}/permissions/{codename}", h.resolve)
	r.Get("/users/{userID}/permissions/{codename}/decision", h.explain)

	r.Group(func(r chi.Router) {
		r.Use(guard.RequireAny(PermManageRoles))
		r.Get("/roles", h.listRoles)
		r.Post("/roles/{child}/parents/{parent}", h.addRoleEdge)
		r.Delete("/roles/{child}/parents/{parent}", h.removeRoleEdge)
		r.Put("/roles/{roleID}/permissions/{codename}", h.setRolePermission)
		r.Get("/permissions", h.listPermissions)
		r.Post("/permissions", h.registerPermission)
		r.Patch("/permissions/{codename}", h.setPermissionActive)
		r.Put("/users/{userID}/role", h.transitionRole)
		r.Delete("/users/{userID}/role", h.removeRole)
	})

	r.Group(func(r chi.Router) {
		r.Use(guard.RequireAny(PermManageOverrides))
		r.Post("/users/{userID}/overrides", h.createOverride)
		r.Delete("/users/{userID}/overrides/{codename}", h.removeOverride)
	})
}

func (h *Handler) resolveAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	perms, err := h.service.ResolveAll(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": perms})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	codename := chi.URLParam(r, "codename")
	allowed, err := h.service.Resolve(r.Context(), userID, codename)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"permission": NormalizeCodename(codename),
		"allowed":    allowed,
	})
}

func (h *Handler) explain(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	decision, err := h.service.Explain(r.Context(), userID, chi.URLParam(r, "codename"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id":    decision.UserID,
		"permission": decision.Codename,
		"allowed":    decision.Allowed,
		"reason":     decision.Reason,
		"checked_at": decision.CheckedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles := h.service.Snapshot().Graph.Roles()
	payload := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		payload = append(payload, map[string]any{
			"id":      role.ID,
			"name":    role.Name,
			"level":   role.Level,
			"parents": role.Parents,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": payload})
}

func (h *Handler) addRoleEdge(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	child, parent := chi.URLParam(r, "child"), chi.URLParam(r, "parent")
	if err := h.service.AddRoleEdge(r.Context(), actorID, child, parent); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"child": child, "parent": parent})
}

func (h *Handler) removeRoleEdge(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	child, parent := chi.URLParam(r, "child"), chi.URLParam(r, "parent")
	if err := h.service.RemoveRoleEdge(r.Context(), actorID, child, parent); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms := h.service.Snapshot().Catalog.List()
	payload := make([]map[string]any, 0, len(perms))
	for _, perm := range perms {
		payload = append(payload, map[string]any{
			"codename":    perm.Codename,
			"description": perm.Description,
			"category":    perm.Category,
			"active":      perm.Active,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": payload})
}

type registerPermissionRequest struct {
	Codename    string `json:"codename" validate:"required,min=2,max=100"`
	Description string `json:"description" validate:"required,max=500"`
	Category    string `json:"category" validate:"required,max=100"`
	Active      bool   `json:"active"`
}

func (h *Handler) registerPermission(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req registerPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.RegisterPermission(r.Context(), actorID, Permission{
		Codename:    req.Codename,
		Description: req.Description,
		Category:    req.Category,
		Active:      req.Active,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"codename": perm.Codename, "active": perm.Active})
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) setPermissionActive(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req setActiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetPermissionActive(r.Context(), actorID, chi.URLParam(r, "codename"), req.Active); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermission(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req setActiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	grant := RolePermission{
		RoleID:   chi.URLParam(r, "roleID"),
		Codename: chi.URLParam(r, "codename"),
		Active:   req.Active,
	}
	if err := h.service.SetRolePermission(r.Context(), actorID, grant); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createOverrideRequest struct {
	Codename  string     `json:"codename" validate:"required,min=2,max=100"`
	Polarity  string     `json:"polarity" validate:"required,oneof=grant deny"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) createOverride(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	var req createOverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	override := Override{
		UserID:   userID,
		Codename: req.Codename,
		Polarity: OverridePolarity(req.Polarity),
	}
	if req.ExpiresAt != nil {
		override.ExpiresAt = *req.ExpiresAt
	}
	if err := h.service.CreateOverride(r.Context(), actorID, override); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"user_id":  userID,
		"codename": NormalizeCodename(req.Codename),
		"polarity": req.Polarity,
	})
}

func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveOverride(r.Context(), actorID, userID, chi.URLParam(r, "codename")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRoleRequest struct {
	RoleID string `json:"role_id" validate:"required,min=2,max=100"`
}

func (h *Handler) transitionRole(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	var req transitionRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.TransitionRole(r.Context(), actorID, userID, req.RoleID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "role_id": req.RoleID})
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveRole(r.Context(), actorID, userID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, ok := ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "no authenticated actor")
		return 0, false
	}
	return actorID, true
}

func (h *Handler) userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "userID")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid User ID", raw)
		return 0, false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// respondError maps engine errors to named problem responses so rejected
// writes always carry their specific reason.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrCycleDetected):
		httpx.Problem(w, http.StatusConflict, "CycleDetected", err.Error())
	case errors.Is(err, ErrDuplicateLevel):
		httpx.Problem(w, http.StatusConflict, "DuplicateLevel", err.Error())
	case errors.Is(err, ErrDuplicateCodename):
		httpx.Problem(w, http.StatusConflict, "DuplicateCodename", err.Error())
	case errors.Is(err, ErrUnknownTargetRole):
		httpx.Problem(w, http.StatusUnprocessableEntity, "UnknownTargetRole", err.Error())
	case errors.Is(err, ErrSelfEscalation):
		httpx.Problem(w, http.StatusForbidden, "SelfEscalation", err.Error())
	case errors.Is(err, ErrInsufficientAuthority):
		httpx.Problem(w, http.StatusForbidden, "InsufficientAuthority", err.Error())
	case errors.Is(err, ErrUnknownRole):
		httpx.Problem(w, http.StatusUnprocessableEntity, "UnknownRole", err.Error())
	case errors.Is(err, ErrUnknownPermission):
		httpx.Problem(w, http.StatusUnprocessableEntity, "UnknownPermission", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("authz handler", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
