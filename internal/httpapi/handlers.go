// Package httpapi exposes the identity service over HTTP and gRPC health.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"idsync.org/internal/auth"
	"idsync.org/internal/obs"
)

const serviceName = "idsync-api"

// readinessChecker reports whether the backends answer.
type readinessChecker interface {
	Ready(ctx context.Context) error
}

// API is the HTTP layer over auth.Service.
type API struct {
	svc        *auth.Service
	ready      readinessChecker
	version    string
	rateBurst  int
	ratePerSec float64
	trusted    []netip.Prefix
	log        *logrus.Entry
}

// Option configures API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithRateLimit bounds login, refresh and logout requests per client IP.
// Zero perSecond disables the limiter.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For
// header is honoured. Without it the peer address is the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trusted = prefixes }
}

// New builds the API around svc. svc also serves readiness.
func New(svc *auth.Service, opts ...Option) *API {
	a := &API{
		svc:        svc,
		ready:      svc,
		version:    "dev",
		rateBurst:  10,
		ratePerSec: 5,
		log:        obs.Logger().WithField("component", "httpapi"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the routed and instrumented handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(ClientIP(a.trusted), RequestID, LoggingJSON, SecurityHeaders, withRequestMeta, obs.Instrument)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if a.ratePerSec > 0 {
					r.Use(NewRateLimiter(a.ratePerSec, a.rateBurst).Middleware)
				}
				r.Post("/login", a.handleLogin)
				r.Post("/refresh", a.handleRefresh)
				r.Post("/logout", a.handleLogout)
			})
			r.Get("/lockout/{username}", a.handleLockoutStatus)
			r.With(a.authenticate).Post("/logout-all", a.handleLogoutAll)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)
			r.Get("/users/me", a.handleMe)
			r.Get("/team", a.handleTeam)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.authenticate, RequireRole(auth.RoleAdmin))
			r.Get("/users", a.handleListUsers)
			r.Post("/users", a.handleCreateUser)
			r.Route("/users/{username}", func(r chi.Router) {
				r.Delete("/", a.handleDeleteUser)
				r.Put("/role", a.handleChangeRole)
				r.Put("/level", a.handleChangeLevel)
				r.Post("/password", a.handleResetPassword)
				r.Post("/unlock", a.handleUnlock)
				r.Get("/stats", a.handleUserStats)
				r.Delete("/sessions", a.handleRevokeSessions)
			})
			r.Get("/tokens", a.handleListTokens)
			r.Get("/login-attempts", a.handleLoginAttempts)
			r.Get("/actions", a.handleAdminActions)
			r.Get("/employees/{employee_id}", a.handleEmployee)
			r.Post("/sync", a.handleSync)
			r.Post("/compact/{table}", a.handleCompact)
		})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
