package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"idsync.org/internal/auth"
)

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// statusFor maps the auth error taxonomy onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, auth.ErrLocked):
		return http.StatusLocked, "locked"
	case errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return http.StatusUnauthorized, "token_revoked"
	case errors.Is(err, auth.ErrTokenNotFound):
		return http.StatusUnauthorized, "token_not_found"
	case errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, "token_invalid"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrSync):
		return http.StatusMultiStatus, "sync_failed"
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, auth.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, auth.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// writeServiceError renders err from auth.Service. data, when non-nil, is
// included for partial successes.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, data any) {
	code, kind := statusFor(err)
	payload := map[string]any{"error": err.Error(), "code": kind}
	if code == http.StatusInternalServerError {
		a.log.WithError(err).WithField("path", r.URL.Path).Error("unhandled service error")
		payload["error"] = "internal error"
	}

	var locked *auth.LockedError
	if errors.As(err, &locked) {
		secs := locked.RemainingSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		payload["remaining_seconds"] = secs
	}
	var cred *auth.CredentialError
	if errors.As(err, &cred) {
		payload["remaining_attempts"] = cred.RemainingAttempts
	}
	var verr *auth.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		payload["field"] = verr.Field
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="idsync"`)
	}
	if data != nil {
		payload["data"] = data
	}
	writeErrorBody(w, r, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 1 || val > 1000 {
		return 0, errors.New("limit must be an integer between 1 and 1000")
	}
	return val, nil
}
