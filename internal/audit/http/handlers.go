// Package audithttp exposes read-only HTTP access to the audit trail.
package audithttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/meridian-crm/meridian-crm/internal/audit"
	"github.com/meridian-crm/meridian-crm/internal/platform/httpx"
)

// TrailService is the query contract for the audit trail.
type TrailService interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
}

// Handler serves audit trail queries.
type Handler struct {
	logger  *slog.Logger
	service TrailService
}

// NewHandler builds an audit query handler.
func NewHandler(logger *slog.Logger, service TrailService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", err.Error())
		return
	}
	entries, err := h.service.Query(r.Context(), filter)
	if err != nil {
		h.logger.Error("audit query", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{
			"seq":         entry.Seq,
			"id":          entry.ID.String(),
			"actor_id":    entry.ActorID,
			"action":      entry.Action,
			"target_kind": entry.TargetKind,
			"target_id":   entry.TargetID,
			"before":      entry.Before,
			"after":       entry.After,
			"occurred_at": entry.At.UTC().Format(time.RFC3339),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": payload})
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var filter audit.Filter
	if raw := q.Get("actor_id"); raw != "" {
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return audit.Filter{}, err
		}
		filter.ActorID = actorID
	}
	filter.TargetKind = q.Get("target_kind")
	filter.TargetID = q.Get("target_id")
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, err
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, err
		}
		filter.To = to
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return audit.Filter{}, err
		}
		filter.Limit = limit
	}
	return filter, nil
}
