package auth

import (
	"context"

	"github.com/sirupsen/logrus"

	"idsync.org/internal/obs"
)

// Admin action types recorded by the service.
const (
	ActionCreateUser        = "create_user"
	ActionDeleteUser        = "delete_user"
	ActionChangeRole        = "change_role"
	ActionChangeAuthLevel   = "change_authorization_level"
	ActionResetPassword     = "reset_password"
	ActionUnlockAccount     = "unlock_account"
	ActionSyncDirectory     = "sync_directory"
	ActionCompactTable      = "compact_table"
	ActionRevokeAllSessions = "revoke_all_sessions"
)

// Auditor receives audit facts. Implementations must not fail the caller:
// write errors are logged and swallowed.
type Auditor interface {
	RecordAction(ctx context.Context, a *AdminAction)
	// RecordLoginAttempt appends a. A success attempt also clears the
	// lockout fields and bumps the login counter of the identity.
	RecordLoginAttempt(ctx context.Context, a *LoginAttempt)
}

// logAuditor only logs. It is used when no persistent Auditor is configured.
type logAuditor struct {
	log *logrus.Entry
}

func newLogAuditor() Auditor {
	return logAuditor{log: obs.Logger().WithField("component", "audit")}
}

func (l logAuditor) RecordAction(_ context.Context, a *AdminAction) {
	l.log.WithFields(logrus.Fields{
		"admin":  a.AdminUsername,
		"target": a.TargetUsername,
		"action": a.ActionType,
	}).Info("admin action")
}

func (l logAuditor) RecordLoginAttempt(_ context.Context, a *LoginAttempt) {
	l.log.WithFields(logrus.Fields{
		"username": a.Username,
		"type":     a.AttemptType,
	}).Debug("login attempt")
}
