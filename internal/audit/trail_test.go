package audit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idsync.org/internal/auth"
	"idsync.org/internal/obs"
	"idsync.org/internal/store/memdb"
)

func newTrail(t *testing.T) (*Trail, *memdb.Store) {
	t.Helper()
	captureLog(t)
	store, err := memdb.New()
	require.NoError(t, err)
	return NewTrail(store), store
}

func TestRecordActionPersists(t *testing.T) {
	ctx := context.Background()
	trail, store := newTrail(t)

	trail.RecordAction(ctx, &auth.AdminAction{
		AdminUsername:  "root",
		TargetUsername: "bob",
		ActionType:     auth.ActionCreateUser,
		Details:        map[string]any{"role": "operator"},
		IP:             "10.0.0.1",
	})

	rows, err := store.AdminActions().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0].TargetUsername)
	assert.Equal(t, "operator", rows[0].Details["role"])
	assert.False(t, rows[0].CreatedAt.IsZero())
}

func TestRecordLoginSuccessUpdatesIdentity(t *testing.T) {
	ctx := context.Background()
	trail, store := newTrail(t)

	_, err := store.Identities().Upsert(ctx, &auth.Identity{Username: "alice", Role: auth.RoleUser, AuthorizationLevel: 1})
	require.NoError(t, err)
	require.NoError(t, store.Lockouts().Lock(ctx, "alice", time.Now().Add(time.Minute), 3, "failed_attempts"))

	trail.RecordLoginAttempt(ctx, &auth.LoginAttempt{Username: "alice", AttemptType: auth.AttemptSuccess, SessionID: "s-1"})

	row, err := store.Identities().Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, row.LoginCount)
	assert.False(t, row.IsLocked)
	assert.Zero(t, row.FailedAttempts)

	stats, err := store.LoginAttempts().Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)
}

func TestRecordLoginFailureForUnknownIdentity(t *testing.T) {
	ctx := context.Background()
	trail, store := newTrail(t)

	trail.RecordLoginAttempt(ctx, &auth.LoginAttempt{Username: "ghost", AttemptType: auth.AttemptFailure, ErrorMessage: "user not found"})

	rows, err := store.LoginAttempts().List(ctx, "ghost", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "user not found", rows[0].ErrorMessage)
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	trail, store := newTrail(t)
	store.SetUnavailable(true)

	before := testutil.ToFloat64(obs.AuditFailures.WithLabelValues("login_attempt"))
	trail.RecordLoginAttempt(ctx, &auth.LoginAttempt{Username: "alice", AttemptType: auth.AttemptFailure})
	assert.Equal(t, before+1, testutil.ToFloat64(obs.AuditFailures.WithLabelValues("login_attempt")))

	before = testutil.ToFloat64(obs.AuditFailures.WithLabelValues("admin_action"))
	trail.RecordAction(ctx, &auth.AdminAction{AdminUsername: "root", ActionType: auth.ActionSyncDirectory})
	assert.Equal(t, before+1, testutil.ToFloat64(obs.AuditFailures.WithLabelValues("admin_action")))
}
