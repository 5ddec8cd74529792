// Package app wires configuration into the directory, the metadata store
// and the identity service shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"idsync.org/internal/audit"
	"idsync.org/internal/auth"
	"idsync.org/internal/config"
	"idsync.org/internal/directory"
	"idsync.org/internal/migrate"
	"idsync.org/internal/obs"
	"idsync.org/internal/store/memdb"
	"idsync.org/internal/store/pg"
)

// App holds the wired components. Close releases them.
type App struct {
	Config    config.Config
	Service   *auth.Service
	Directory *directory.Directory
	Store     auth.Store
	Postgres  *pg.Store // nil with the in-memory store
	Tracing   *obs.Tracing

	version string
	log     *logrus.Entry
	closers []func() error
}

// Option configures Build.
type Option func(*App)

// WithVersion sets the service version reported on trace resources.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

const (
	serviceName     = "idsync"
	shutdownTimeout = 5 * time.Second
)

// Build connects the backends described by cfg.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	if err := obs.SetLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	a := &App{Config: cfg, version: "dev", log: obs.Logger().WithField("component", "app")}
	for _, opt := range opts {
		opt(a)
	}

	tracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: a.version,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, err
	}
	a.Tracing = tracing
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return tracing.Shutdown(sctx)
	})

	conn, memConn, err := a.directoryConn(cfg.LDAP)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Directory = directory.New(conn, cfg.LDAP.BaseDN)

	if err := a.openStore(ctx, cfg.Database); err != nil {
		_ = a.Close()
		return nil, err
	}

	svc, err := auth.NewService(a.Directory, a.Store, []byte(cfg.Tokens.Secret),
		auth.WithAccessTTL(cfg.Tokens.AccessTTL),
		auth.WithRefreshTTL(cfg.Tokens.RefreshTTL),
		auth.WithLockoutPolicy(auth.LockoutPolicy{Threshold: cfg.Lockout.Threshold, Duration: cfg.Lockout.Duration}),
		auth.WithTimeouts(cfg.Timeouts.Directory, cfg.Timeouts.Store),
		auth.WithDegradedCache(auth.NewDegradedCache(cfg.Degraded.TTL)),
		auth.WithAuditor(audit.NewTrail(a.Store)),
	)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("identity service: %w", err)
	}
	a.Service = svc

	if memConn != nil {
		if err := a.bootstrapAdmin(ctx, cfg.Bootstrap); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) directoryConn(cfg config.LDAPConfig) (directory.Conn, *directory.MemoryConn, error) {
	if cfg.URL == "" {
		a.log.Warn("ldap.url is empty, using the in-memory directory")
		mem := directory.NewMemoryConn(cfg.BaseDN)
		return mem, mem, nil
	}
	conn, err := directory.NewLDAPConn(directory.LDAPConfig{
		URL:            cfg.URL,
		BindDN:         cfg.BindDN,
		BindPassword:   cfg.BindPassword,
		Timeout:        cfg.Timeout,
		TracerProvider: a.Tracing.Provider(),
	})
	if err != nil {
		return nil, nil, err
	}
	return conn, nil, nil
}

func (a *App) openStore(ctx context.Context, cfg config.DatabaseConfig) error {
	if cfg.DSN == "" {
		a.log.Warn("database.dsn is empty, using the in-memory store")
		store, err := memdb.New()
		if err != nil {
			return fmt.Errorf("memdb store: %w", err)
		}
		a.Store = store
		return nil
	}
	store, err := pg.Open(cfg.DSN, cfg.MaxOpenConns)
	if err != nil {
		return err
	}
	a.Store, a.Postgres = store, store
	a.closers = append(a.closers, store.Close)
	if cfg.MigrateOnStart {
		if err := migrate.NewManager(store.DB()).Up(ctx); err != nil {
			return err
		}
	}
	return nil
}

// bootstrapAdmin seeds the configured admin into an empty in-memory directory.
func (a *App) bootstrapAdmin(ctx context.Context, cfg config.BootstrapConfig) error {
	if cfg.AdminPassword == "" {
		return nil
	}
	if err := auth.ValidatePassword(cfg.AdminPassword); err != nil {
		return fmt.Errorf("bootstrap.admin_password: %w", err)
	}
	err := a.Directory.CreateUser(ctx, directory.NewUser{
		Username: cfg.AdminUsername,
		Password: cfg.AdminPassword,
		FullName: "Bootstrap Admin",
		Role:     string(auth.RoleAdmin),
	})
	if err != nil && !errors.Is(err, directory.ErrAlreadyExists) {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	a.log.WithField("username", cfg.AdminUsername).Info("bootstrap admin seeded")
	return nil
}

// Close releases every backend connection.
func (a *App) Close() error {
	var errs *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	a.closers = nil
	return errs.ErrorOrNil()
}
