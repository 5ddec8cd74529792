// Package pg implements auth.Store on PostgreSQL through database/sql and the
// pgx stdlib driver. The schema is owned by internal/migrate.
package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"idsync.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store is the PostgreSQL auth.Store.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects with the pgx driver. maxOpen <= 0 keeps the default pool size.
func Open(dsn string, maxOpen int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(max(maxOpen/2, 1))
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *Store) Identities() auth.IdentityStore { return identities{s.queries()} }
func (s *Store) RoleRecords() auth.RoleRecordStore { return roleRecords{s.queries()} }
func (s *Store) Sequences() auth.SequenceStore { return sequences{s.queries()} }
func (s *Store) Lockouts() auth.LockoutStore { return lockouts{s.queries()} }
func (s *Store) LoginAttempts() auth.LoginAttemptStore { return loginAttempts{s.queries()} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return refreshTokens{s.queries()} }
func (s *Store) AdminActions() auth.AdminActionStore { return adminActions{s.queries()} }

// InTx runs fn in one transaction; any error rolls back.
func (s *Store) InTx(ctx context.Context, fn func(q auth.Queries) error) error {
	return s.inTx(ctx, func(q *queries) error { return fn(q) })
}

func (s *Store) inTx(ctx context.Context, fn func(q *queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&queries{s: s, db: tx, tx: true}); err != nil {
		return err
	}
	return classify(tx.Commit())
}

func (s *Store) queries() *queries { return &queries{s: s, db: s.db} }

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	s  *Store
	db execer
	tx bool
}

func (q *queries) Identities() auth.IdentityStore { return identities{q} }
func (q *queries) RoleRecords() auth.RoleRecordStore { return roleRecords{q} }
func (q *queries) Sequences() auth.SequenceStore { return sequences{q} }
func (q *queries) Lockouts() auth.LockoutStore { return lockouts{q} }
func (q *queries) LoginAttempts() auth.LoginAttemptStore { return loginAttempts{q} }
func (q *queries) RefreshTokens() auth.RefreshTokenStore { return refreshTokens{q} }
func (q *queries) AdminActions() auth.AdminActionStore { return adminActions{q} }

// atomic runs fn in the current transaction, or in a new one.
func (q *queries) atomic(ctx context.Context, fn func(q *queries) error) error {
	if q.tx {
		return fn(q)
	}
	return q.s.inTx(ctx, fn)
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// execOne is exec that reports auth.ErrNotFound when no row was touched.
func (q *queries) execOne(ctx context.Context, query string, args ...any) error {
	n, err := q.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// classify maps driver errors onto the auth error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case pgErr.Code == pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", auth.ErrAlreadyExists, pgErr.ConstraintName)
		case pgErr.Code == pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", auth.ErrNotFound, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "53300":
			return fmt.Errorf("%w: %w", auth.ErrUnavailable, err)
		}
		return fmt.Errorf("pg: %w", err)
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &connErr),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", auth.ErrUnavailable, err)
	}
	return fmt.Errorf("pg: %w", err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// collect scans every row with scan and closes rows.
func collect[T any](rows *sql.Rows, scan func(scanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
