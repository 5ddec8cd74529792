// Package config loads service configuration from an optional YAML file and
// IDSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSecretLength is the shortest accepted token secret, in bytes.
const MinSecretLength = 32

// Config holds all configuration for the idsync binaries.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	LDAP      LDAPConfig      `mapstructure:"ldap"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Lockout   LockoutConfig   `mapstructure:"lockout"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	Degraded  DegradedConfig  `mapstructure:"degraded"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

// HTTPConfig configures the REST listener. X-Forwarded-For is honoured
// only when the peer address falls inside one of TrustedProxies.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig selects the metadata store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// LDAPConfig locates the directory. An empty URL selects the in-memory directory.
type LDAPConfig struct {
	URL          string        `mapstructure:"url"`
	BaseDN       string        `mapstructure:"base_dn"`
	BindDN       string        `mapstructure:"bind_dn"`
	BindPassword string        `mapstructure:"bind_password"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type TokensConfig struct {
	Secret     string        `mapstructure:"secret"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
}

type LockoutConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Duration  time.Duration `mapstructure:"duration"`
}

type TimeoutsConfig struct {
	Directory time.Duration `mapstructure:"directory"`
	Store     time.Duration `mapstructure:"store"`
}

type DegradedConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig bounds login and refresh requests per client IP.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// TracingConfig exports OpenTelemetry spans over OTLP/HTTP when enabled.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// BootstrapConfig seeds an admin into the in-memory directory. It is
// ignored when ldap.url is set.
type BootstrapConfig struct {
	AdminUsername string `mapstructure:"admin_username"`
	AdminPassword string `mapstructure:"admin_password"`
}

// Load reads configuration from path (optional) and the environment.
// Environment keys are prefixed IDSYNC_ with dots replaced by underscores,
// e.g. IDSYNC_TOKENS_SECRET.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("IDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("idsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/idsync")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("ldap.url", "")
	v.SetDefault("ldap.base_dn", "ou=users,dc=idsync,dc=local")
	v.SetDefault("ldap.bind_dn", "")
	v.SetDefault("ldap.bind_password", "")
	v.SetDefault("ldap.timeout", 5*time.Second)

	v.SetDefault("tokens.secret", "")
	v.SetDefault("tokens.access_ttl", time.Hour)
	v.SetDefault("tokens.refresh_ttl", 168*time.Hour)

	v.SetDefault("lockout.threshold", 3)
	v.SetDefault("lockout.duration", 30*time.Second)

	v.SetDefault("timeouts.directory", 5*time.Second)
	v.SetDefault("timeouts.store", 3*time.Second)

	v.SetDefault("degraded.ttl", 15*time.Minute)

	v.SetDefault("ratelimit.per_second", 5.0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("log.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("bootstrap.admin_username", "admin")
	v.SetDefault("bootstrap.admin_password", "")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case len(c.Tokens.Secret) < MinSecretLength:
		return fmt.Errorf("config: tokens.secret must be at least %d bytes", MinSecretLength)
	case c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0:
		return errors.New("config: token ttls must be positive")
	case c.Tokens.RefreshTTL < c.Tokens.AccessTTL:
		return errors.New("config: tokens.refresh_ttl must not be shorter than tokens.access_ttl")
	case c.Lockout.Threshold < 1:
		return errors.New("config: lockout.threshold must be at least 1")
	case c.Lockout.Duration <= 0:
		return errors.New("config: lockout.duration must be positive")
	case c.LDAP.URL != "" && c.LDAP.BaseDN == "":
		return errors.New("config: ldap.base_dn is required with ldap.url")
	case c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0:
		return errors.New("config: ratelimit values must not be negative")
	case c.Database.MigrateOnStart && c.Database.DSN == "":
		return errors.New("config: database.migrate_on_start requires database.dsn")
	case c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1:
		return errors.New("config: tracing.sample_rate must be within [0, 1]")
	case c.Tracing.Enabled && c.Tracing.Endpoint == "":
		return errors.New("config: tracing.endpoint is required when tracing is enabled")
	}
	_, err := c.HTTP.TrustedProxyPrefixes()
	return err
}

// TrustedProxyPrefixes parses TrustedProxies.
func (c HTTPConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, s := range c.TrustedProxies {
		p, err := ParseTrustedProxy(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ParseTrustedProxy accepts a CIDR prefix or a single address.
func ParseTrustedProxy(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("config: http.trusted_proxies: %w", err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("config: http.trusted_proxies: %w", err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
