package app

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/meridian-crm/meridian-crm/internal/authz"
	"github.com/meridian-crm/meridian-crm/internal/observability"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the Meridian middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	requestTimeout := 30 * time.Second
	rateLimit := 60
	actorHeader := "X-Actor-ID"
	if cfg.Config != nil {
		if cfg.Config.AppRequestTimeout > 0 {
			requestTimeout = cfg.Config.AppRequestTimeout
		}
		if cfg.Config.AdminRateLimit > 0 {
			rateLimit = cfg.Config.AdminRateLimit
		}
		if cfg.Config.ActorHeader != "" {
			actorHeader = cfg.Config.ActorHeader
		}
	}

	return []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
		httprate.LimitByIP(rateLimit, time.Minute),
		secureMiddleware.Handler,
		cfg.Metrics.Middleware,
		ActorMiddleware(actorHeader),
	}
}

// ActorMiddleware lifts the authenticated user ID from the trusted header
// into the request context. Authentication happens upstream; requests
// without the header simply carry no actor.
func ActorMiddleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(header))
			if raw != "" {
				if userID, err := strconv.ParseInt(raw, 10, 64); err == nil {
					r = r.WithContext(authz.ContextWithActor(r.Context(), userID))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
