package migrate

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionsAreOrdered(t *testing.T) {
	versions, err := Versions()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2, 3}, versions)
}

func TestEveryMigrationHasDown(t *testing.T) {
	src, err := newSource()
	require.NoError(t, err)
	defer src.Close()

	versions, err := Versions()
	require.NoError(t, err)
	for _, v := range versions {
		up, _, err := src.ReadUp(v)
		require.NoError(t, err, "up %d", v)
		_ = up.Close()
		down, _, err := src.ReadDown(v)
		require.NoError(t, err, "down %d", v)
		_ = down.Close()
	}
}

func TestSchemaDefinesStoreTables(t *testing.T) {
	src, err := newSource()
	require.NoError(t, err)
	defer src.Close()

	versions, err := Versions()
	require.NoError(t, err)
	var all strings.Builder
	for _, v := range versions {
		r, _, err := src.ReadUp(v)
		require.NoError(t, err)
		b, err := io.ReadAll(r)
		_ = r.Close()
		require.NoError(t, err)
		all.Write(b)
	}
	schema := all.String()
	for _, table := range []string{"users", "operators", "personnel", "login_attempts", "user_lockouts", "refresh_tokens", "admin_actions"} {
		assert.Contains(t, schema, "create table if not exists "+table+" (", table)
	}
	for _, seq := range []string{"employee_admin_seq", "employee_operator_seq", "employee_personnel_seq", "employee_user_seq"} {
		assert.Contains(t, schema, "create sequence if not exists "+seq, seq)
	}
}

func TestStatusPending(t *testing.T) {
	assert.True(t, Status{Available: []uint{1, 2}}.Pending())
	assert.True(t, Status{Applied: true, Version: 1, Available: []uint{1, 2}}.Pending())
	assert.False(t, Status{Applied: true, Version: 2, Available: []uint{1, 2}}.Pending())
	assert.False(t, Status{}.Pending())
}
