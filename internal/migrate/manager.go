// Package migrate applies the embedded schema migrations with golang-migrate.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"idsync.org/internal/obs"
)

//go:embed sql/*.sql
var files embed.FS

const defaultMigrationsTable = "schema_migrations"

// Status describes the schema version of a database.
type Status struct {
	Version   uint   `json:"version"`
	Dirty     bool   `json:"dirty"`
	Applied   bool   `json:"applied"`
	Available []uint `json:"available"`
}

// Pending reports whether migrations newer than Version exist.
func (s Status) Pending() bool {
	if len(s.Available) == 0 {
		return false
	}
	return !s.Applied || s.Available[len(s.Available)-1] > s.Version
}

// Manager runs migrations against a database it does not own.
type Manager struct {
	db              *sql.DB
	migrationsTable string
	log             *logrus.Entry
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrationsTable: defaultMigrationsTable,
		log:             obs.Logger().WithField("component", "migrate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (m *Manager) Up(ctx context.Context) error {
	return m.run(ctx, "up", func(mg *migrate.Migrate) error {
		return mg.Up()
	})
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mg *migrate.Migrate) error {
		return mg.Steps(-1)
	})
}

// Status returns the applied version and the embedded versions.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	available, err := Versions()
	if err != nil {
		return Status{}, err
	}
	st := Status{Available: available}
	err = m.with(ctx, func(mg *migrate.Migrate) error {
		v, dirty, err := mg.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			return nil
		case err != nil:
			return err
		}
		st.Version, st.Dirty, st.Applied = v, dirty, true
		return nil
	})
	return st, err
}

func (m *Manager) run(ctx context.Context, name string, fn func(*migrate.Migrate) error) error {
	return m.with(ctx, func(mg *migrate.Migrate) error {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				mg.GracefulStop <- true
			case <-done:
			}
		}()

		err := fn(mg)
		if errors.Is(err, migrate.ErrNoChange) {
			m.log.WithField("direction", name).Info("schema up to date")
			return nil
		}
		if err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
		m.log.WithField("direction", name).Info("migrations applied")
		return nil
	})
}

func (m *Manager) with(ctx context.Context, fn func(*migrate.Migrate) error) error {
	src, err := newSource()
	if err != nil {
		return err
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("acquire connection: %w", err)
	}
	// The driver closes conn, never m.db.
	drv, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: m.migrationsTable})
	if err != nil {
		_ = src.Close()
		_ = conn.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		_ = src.Close()
		_ = drv.Close()
		return fmt.Errorf("create migrator: %w", err)
	}
	mg.Log = logAdapter{m.log}
	defer func() {
		srcErr, dbErr := mg.Close()
		if srcErr != nil || dbErr != nil {
			m.log.WithFields(logrus.Fields{"source_error": srcErr, "database_error": dbErr}).Warn("close migrator")
		}
	}()
	return fn(mg)
}

func newSource() (source.Driver, error) {
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	return src, nil
}

// Versions lists the embedded migration versions in ascending order.
func Versions() ([]uint, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var out []uint
	v, err := src.First()
	for err == nil {
		out = append(out, v)
		v, err = src.Next(v)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return out, nil
}

type logAdapter struct {
	entry *logrus.Entry
}

func (l logAdapter) Printf(format string, v ...any) {
	l.entry.Debugf(format, v...)
}

func (l logAdapter) Verbose() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
