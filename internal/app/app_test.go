package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idsync.org/internal/auth"
	"idsync.org/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		LDAP:      config.LDAPConfig{BaseDN: "ou=users,dc=idsync,dc=test"},
		Tokens:    config.TokensConfig{Secret: strings.Repeat("k", config.MinSecretLength), AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour},
		Lockout:   config.LockoutConfig{Threshold: 2, Duration: time.Minute},
		Timeouts:  config.TimeoutsConfig{Directory: time.Second, Store: time.Second},
		Degraded:  config.DegradedConfig{TTL: time.Minute},
		Log:       config.LogConfig{Level: "warn"},
		Bootstrap: config.BootstrapConfig{AdminUsername: "admin", AdminPassword: "B00tstrap!pw"},
	}
}

func TestBuildInMemoryWithBootstrapAdmin(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Nil(t, a.Postgres)

	sess, err := a.Service.Login(ctx, "admin", "B00tstrap!pw", auth.RequestMeta{IP: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, sess.User.Role)
	require.NoError(t, a.Service.Ready(ctx))
}

func TestBuildAppliesLockoutPolicy(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Service.Login(ctx, "admin", "Wr0ng!pass", auth.RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	_, err = a.Service.Login(ctx, "admin", "Wr0ng!pass", auth.RequestMeta{})
	var locked *auth.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 60, locked.RemainingSeconds())
}

func TestBuildRejectsWeakBootstrapPassword(t *testing.T) {
	cfg := memoryConfig()
	cfg.Bootstrap.AdminPassword = "weak"
	_, err := Build(context.Background(), cfg)
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestBuildRejectsBadLogLevel(t *testing.T) {
	cfg := memoryConfig()
	cfg.Log.Level = "chatty"
	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}
