package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = strings.Repeat("s", MinSecretLength)

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("IDSYNC_TOKENS_SECRET", testSecret)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, ":9090", cfg.GRPC.Addr)
	assert.Equal(t, time.Hour, cfg.Tokens.AccessTTL)
	assert.Equal(t, 168*time.Hour, cfg.Tokens.RefreshTTL)
	assert.Equal(t, 3, cfg.Lockout.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Lockout.Duration)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Directory)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Store)
	assert.Equal(t, 15*time.Minute, cfg.Degraded.TTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idsync.yaml")
	body := `
http:
  addr: ":18080"
tokens:
  secret: "` + testSecret + `"
  access_ttl: 15m
lockout:
  threshold: 5
ldap:
  url: ldap://directory:389
  base_dn: ou=people,dc=example,dc=org
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("IDSYNC_LOCKOUT_DURATION", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":18080", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, 2*time.Minute, cfg.Lockout.Duration)
	assert.Equal(t, "ou=people,dc=example,dc=org", cfg.LDAP.BaseDN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("IDSYNC_TOKENS_SECRET", testSecret)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("IDSYNC_TOKENS_SECRET", testSecret)
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"short secret", func(c *Config) { c.Tokens.Secret = "short" }},
		{"zero access ttl", func(c *Config) { c.Tokens.AccessTTL = 0 }},
		{"refresh shorter than access", func(c *Config) { c.Tokens.RefreshTTL = time.Minute }},
		{"zero threshold", func(c *Config) { c.Lockout.Threshold = 0 }},
		{"ldap without base dn", func(c *Config) { c.LDAP.URL = "ldap://x"; c.LDAP.BaseDN = "" }},
		{"migrate without dsn", func(c *Config) { c.Database.MigrateOnStart = true }},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Endpoint = "" }},
		{"bad trusted proxy", func(c *Config) { c.HTTP.TrustedProxies = []string{"10.0.0.0/33"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestTrustedProxiesFromEnv(t *testing.T) {
	t.Setenv("IDSYNC_TOKENS_SECRET", testSecret)
	t.Setenv("IDSYNC_HTTP_TRUSTED_PROXIES", "10.0.0.0/8,127.0.0.1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.HTTP.TrustedProxies)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
}

func TestParseTrustedProxy(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10.1.2.3/8", "10.0.0.0/8"},
		{"127.0.0.1", "127.0.0.1/32"},
		{"::1", "::1/128"},
	}
	for _, tc := range cases {
		p, err := ParseTrustedProxy(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, p.String())
	}
	_, err := ParseTrustedProxy("proxy.local")
	assert.Error(t, err)
}
