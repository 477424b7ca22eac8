package authz

import (
	"log/slog"
	"net/http"
)

// Middleware wires authorization guards for HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAny ensures the current user holds at least one of the permissions.
func (m Middleware) RequireAny(codenames ...string) func(http.Handler) http.Handler {
	return m.guard(codenames, func(granted map[string]struct{}, required []string) bool {
		for _, codename := range required {
			if _, ok := granted[codename]; ok {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current user holds every one of the permissions.
func (m Middleware) RequireAll(codenames ...string) func(http.Handler) http.Handler {
	return m.guard(codenames, func(granted map[string]struct{}, required []string) bool {
		for _, codename := range required {
			if _, ok := granted[codename]; !ok {
				return false
			}
		}
		return true
	})
}

func (m Middleware) guard(codenames []string, pass func(map[string]struct{}, []string) bool) func(http.Handler) http.Handler {
	required := make([]string, 0, len(codenames))
	for _, codename := range codenames {
		if normalized := NormalizeCodename(codename); normalized != "" {
			required = append(required, normalized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			perms, err := m.Service.ResolveAll(r.Context(), userID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authz guard", slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			granted := make(map[string]struct{}, len(perms))
			for _, codename := range perms {
				granted[codename] = struct{}{}
			}
			if pass(granted, required) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}
