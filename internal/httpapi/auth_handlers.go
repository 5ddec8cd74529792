package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"idsync.org/internal/audit"
	"idsync.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	meta := auth.RequestMetaFromContext(r.Context())
	sess, err := a.svc.Login(r.Context(), req.Username, req.Password, meta)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"username": sess.User.Username,
		"role":     sess.User.Role,
		"ip":       meta.IP,
	})
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	sess, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	n, err := a.svc.LogoutAll(r.Context(), p.Username)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout_all", map[string]any{"revoked": n})
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleLockoutStatus(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	st, err := a.svc.LockoutStatus(r.Context(), username)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":           username,
		"is_locked":          st.IsLocked,
		"remaining_seconds":  st.RemainingSeconds,
		"failed_attempts":    st.FailedAttempts,
		"remaining_attempts": st.RemainingAttempts,
	})
}
