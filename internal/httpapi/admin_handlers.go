package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"idsync.org/internal/auth"
)

type createUserRequest struct {
	Username           string `json:"username"`
	Password           string `json:"password"`
	FullName           string `json:"full_name"`
	Email              string `json:"email"`
	Role               string `json:"role"`
	AuthorizationLevel int    `json:"authorization_level"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type changeLevelRequest struct {
	AuthorizationLevel int `json:"authorization_level"`
}

type resetPasswordRequest struct {
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	profile, err := a.svc.Me(r.Context(), p)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *API) handleTeam(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	view, err := a.svc.Team(r.Context(), p)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.svc.ListUsers(r.Context(), actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.svc.CreateUser(r.Context(), actor(r), auth.CreateUserRequest{
		Username:           req.Username,
		Password:           req.Password,
		FullName:           req.FullName,
		Email:              req.Email,
		Role:               req.Role,
		AuthorizationLevel: req.AuthorizationLevel,
	})
	if err != nil {
		if rec != nil {
			a.writeServiceError(w, r, err, rec)
			return
		}
		a.writeServiceError(w, r, err, nil)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/users/%s", rec.Username))
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if err := a.svc.DeleteUser(r.Context(), actor(r), username); err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.svc.ChangeRole(r.Context(), actor(r), chi.URLParam(r, "username"), req.Role)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleChangeLevel(w http.ResponseWriter, r *http.Request) {
	var req changeLevelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := chi.URLParam(r, "username")
	if err := a.svc.ChangeAuthorizationLevel(r.Context(), actor(r), username, req.AuthorizationLevel); err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":            username,
		"authorization_level": req.AuthorizationLevel,
	})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	temp, err := a.svc.ResetPassword(r.Context(), actor(r), chi.URLParam(r, "username"), req.NewPassword, req.ConfirmPassword)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	resp := map[string]any{"status": "password_reset"}
	if temp != "" {
		resp["temporary_password"] = temp
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.UnlockAccount(r.Context(), actor(r), chi.URLParam(r, "username")); err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unlocked"})
}

func (a *API) handleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.UserStats(r.Context(), actor(r), chi.URLParam(r, "username"))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.RevokeUserSessions(r.Context(), actor(r), chi.URLParam(r, "username"))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleListTokens(w http.ResponseWriter, r *http.Request) {
	recs, err := a.svc.ListActiveRefreshTokens(r.Context(), actor(r), r.URL.Query().Get("username"))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (a *API) handleLoginAttempts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := a.svc.LoginAttempts(r.Context(), actor(r), r.URL.Query().Get("username"), limit)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (a *API) handleAdminActions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := a.svc.AdminActions(r.Context(), actor(r), limit)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (a *API) handleEmployee(w http.ResponseWriter, r *http.Request) {
	profile, err := a.svc.IdentityByEmployeeID(r.Context(), actor(r), chi.URLParam(r, "employee_id"))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.SyncFromDirectory(r.Context(), actor(r))
	if err != nil {
		if res.Synced > 0 || res.Failed > 0 {
			writeErrorBody(w, r, http.StatusMultiStatus, map[string]any{
				"error":  err.Error(),
				"code":   "sync_failed",
				"synced": res.Synced,
				"failed": res.Failed,
			})
			return
		}
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCompact(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	n, err := a.svc.Compact(r.Context(), actor(r), table)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"table": table, "rows": n})
}
