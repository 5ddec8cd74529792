package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"idsync.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// authenticate resolves the bearer access token into an auth.Principal.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="idsync"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			a.writeServiceError(w, r, err, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequireRole admits principals holding one of roles.
func RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="idsync"`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !principal.HasRole(roles...) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="idsync", error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actor returns the authenticated caller bound to its client address.
func actor(r *http.Request) auth.Actor {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.Actor(auth.RequestMetaFromContext(r.Context()).IP)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
