package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("auth: not found")
	ErrAlreadyExists     = errors.New("auth: already exists")
	ErrInvalidCredential = errors.New("auth: invalid credentials")
	ErrLocked            = errors.New("auth: account locked")
	ErrTokenInvalid      = errors.New("auth: token invalid")
	ErrTokenExpired      = errors.New("auth: token expired")
	ErrTokenRevoked      = errors.New("auth: token revoked")
	ErrTokenNotFound     = errors.New("auth: token not found")
	ErrUnavailable       = errors.New("auth: backend unavailable")
	ErrValidation        = errors.New("auth: validation failed")
	ErrSync              = errors.New("auth: metadata sync failed")
	ErrForbidden         = errors.New("auth: forbidden")
)

// LockedError reports an account under lockout.
type LockedError struct {
	Username  string
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account %s locked for %ds", e.Username, e.RemainingSeconds())
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// RemainingSeconds rounds the remaining lockout up to whole seconds.
func (e *LockedError) RemainingSeconds() int {
	return ceilSeconds(e.Remaining)
}

// ValidationError describes malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "auth: " + e.Message
	}
	return fmt.Sprintf("auth: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// SyncError reports a metadata write that failed after the directory write
// was committed. The directory side stays as written.
type SyncError struct {
	Username string
	Op       string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("auth: %s for %s applied to directory but metadata sync failed: %v", e.Op, e.Username, e.Err)
}

func (e *SyncError) Is(target error) bool { return target == ErrSync }

func (e *SyncError) Unwrap() error { return e.Err }

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err is ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// CredentialError reports a failed bind for an existing principal.
type CredentialError struct {
	Username          string
	RemainingAttempts int
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("auth: invalid credentials for %s, %d attempts remaining", e.Username, e.RemainingAttempts)
}

func (e *CredentialError) Is(target error) bool { return target == ErrInvalidCredential }
