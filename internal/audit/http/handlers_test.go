package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-crm/meridian-crm/internal/audit"
)

type stubTrail struct {
	entries    []audit.Entry
	lastFilter audit.Filter
}

func (s *stubTrail) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	s.lastFilter = filter
	return s.entries, nil
}

func newTrailServer(trail *stubTrail) *chi.Mux {
	r := chi.NewRouter()
	NewHandler(nil, trail).MountRoutes(r)
	return r
}

func TestListParsesFilter(t *testing.T) {
	trail := &stubTrail{
		entries: []audit.Entry{{
			ID:         uuid.New(),
			Seq:        7,
			ActorID:    1,
			Action:     audit.ActionRoleAssign,
			TargetKind: audit.TargetUser,
			TargetID:   "10",
			After:      map[string]any{"role_id": "staff"},
			At:         time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		}},
	}
	req := httptest.NewRequest(http.MethodGet, "/?actor_id=1&target_kind=user&from=2026-08-01T00:00:00Z&limit=50", nil)
	rec := httptest.NewRecorder()
	newTrailServer(trail).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), trail.lastFilter.ActorID)
	require.Equal(t, audit.TargetUser, trail.lastFilter.TargetKind)
	require.Equal(t, 50, trail.lastFilter.Limit)
	require.False(t, trail.lastFilter.From.IsZero())

	var body struct {
		Entries []map[string]any `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	require.Equal(t, "role.assign", body.Entries[0]["action"])
	require.Equal(t, "2026-08-01T12:00:00Z", body.Entries[0]["occurred_at"])
}

func TestListRejectsBadFilter(t *testing.T) {
	for _, query := range []string{"?actor_id=abc", "?from=yesterday", "?limit=many"} {
		req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
		rec := httptest.NewRecorder()
		newTrailServer(&stubTrail{}).ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestListEmptyTrail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	newTrailServer(&stubTrail{}).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}
