package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"idsync.org/internal/auth"
	"idsync.org/internal/obs"
)

// Trail persists admin actions and login attempts. Write failures are
// logged at error level and never returned to the caller.
type Trail struct {
	store auth.Store
	now   func() time.Time
	log   *logrus.Entry
}

var _ auth.Auditor = (*Trail)(nil)

// NewTrail returns a Trail writing to store.
func NewTrail(store auth.Store) *Trail {
	return &Trail{
		store: store,
		now:   time.Now,
		log:   obs.Logger().WithField("component", "audit"),
	}
}

// RecordAction appends a and emits the matching audit event.
func (t *Trail) RecordAction(ctx context.Context, a *auth.AdminAction) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = t.now().UTC()
	}
	if err := t.store.AdminActions().Append(ctx, a); err != nil {
		obs.AuditFailures.WithLabelValues("admin_action").Inc()
		t.log.WithError(err).WithFields(logrus.Fields{
			"admin":  a.AdminUsername,
			"target": a.TargetUsername,
			"action": a.ActionType,
		}).Error("audit write failed")
	}
	fields := map[string]any{
		"admin":  a.AdminUsername,
		"target": a.TargetUsername,
		"ip":     a.IP,
	}
	for k, v := range a.Details {
		fields[k] = v
	}
	_ = LogEvent(ctx, "admin."+a.ActionType, fields)
}

// RecordLoginAttempt appends a. For a success attempt the identity's login
// counter, last login and lockout fields are updated in the same transaction.
func (t *Trail) RecordLoginAttempt(ctx context.Context, a *auth.LoginAttempt) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = t.now().UTC()
	}
	err := t.store.InTx(ctx, func(q auth.Queries) error {
		if err := q.LoginAttempts().Append(ctx, a); err != nil {
			return err
		}
		if a.AttemptType != auth.AttemptSuccess {
			return nil
		}
		err := q.Identities().RecordLogin(ctx, a.Username, a.CreatedAt)
		if auth.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		obs.AuditFailures.WithLabelValues("login_attempt").Inc()
		t.log.WithError(err).WithFields(logrus.Fields{
			"username": a.Username,
			"type":     a.AttemptType,
		}).Error("login attempt write failed")
	}
}
