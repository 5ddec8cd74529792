// Package memdb implements auth.Store on hashicorp/go-memdb. It backs the
// service when no database DSN is configured and serves as the store in tests.
package memdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	hcmemdb "github.com/hashicorp/go-memdb"

	"idsync.org/internal/auth"
)

const (
	tableSequences    = "sequences"
	tableRefreshToken = "refresh_tokens"

	indexID       = "id"
	indexUsername = "username"
	indexEmployee = "employee_id"
	indexTarget   = "target"
)

type sequence struct {
	Name  string
	Value int64
}

func schema() *hcmemdb.DBSchema {
	byUsername := func(table string) *hcmemdb.TableSchema {
		return &hcmemdb.TableSchema{
			Name: table,
			Indexes: map[string]*hcmemdb.IndexSchema{
				indexID: {Name: indexID, Unique: true, Indexer: &hcmemdb.StringFieldIndex{Field: "Username"}},
			},
		}
	}
	byRowID := func(table string, extra map[string]*hcmemdb.IndexSchema) *hcmemdb.TableSchema {
		idx := map[string]*hcmemdb.IndexSchema{
			indexID: {Name: indexID, Unique: true, Indexer: &hcmemdb.IntFieldIndex{Field: "ID"}},
		}
		for k, v := range extra {
			idx[k] = v
		}
		return &hcmemdb.TableSchema{Name: table, Indexes: idx}
	}
	usernameIndex := &hcmemdb.IndexSchema{
		Name: indexUsername, AllowMissing: true, Indexer: &hcmemdb.StringFieldIndex{Field: "Username"},
	}

	users := byUsername(auth.TableIdentities)
	users.Indexes[indexEmployee] = &hcmemdb.IndexSchema{
		Name: indexEmployee, AllowMissing: true, Indexer: &hcmemdb.StringFieldIndex{Field: "EmployeeID"},
	}

	return &hcmemdb.DBSchema{Tables: map[string]*hcmemdb.TableSchema{
		auth.TableIdentities:    users,
		auth.TableOperators:     byUsername(auth.TableOperators),
		auth.TablePersonnel:     byUsername(auth.TablePersonnel),
		auth.TableLoginAttempts: byRowID(auth.TableLoginAttempts, map[string]*hcmemdb.IndexSchema{indexUsername: usernameIndex}),
		auth.TableLockouts:      byRowID(auth.TableLockouts, map[string]*hcmemdb.IndexSchema{indexUsername: usernameIndex}),
		auth.TableAdminActions: byRowID(auth.TableAdminActions, map[string]*hcmemdb.IndexSchema{
			indexTarget: {Name: indexTarget, AllowMissing: true, Indexer: &hcmemdb.StringFieldIndex{Field: "TargetUsername"}},
		}),
		tableRefreshToken: {
			Name: tableRefreshToken,
			Indexes: map[string]*hcmemdb.IndexSchema{
				indexID:       {Name: indexID, Unique: true, Indexer: &hcmemdb.StringFieldIndex{Field: "TokenID"}},
				indexUsername: usernameIndex,
			},
		},
		tableSequences: {
			Name: tableSequences,
			Indexes: map[string]*hcmemdb.IndexSchema{
				indexID: {Name: indexID, Unique: true, Indexer: &hcmemdb.StringFieldIndex{Field: "Name"}},
			},
		},
	}}
}

// Store is an in-memory auth.Store. Writers are serialized by go-memdb, so
// counters are atomic and InTx is all-or-nothing.
type Store struct {
	db   *hcmemdb.MemDB
	now  func() time.Time
	down atomic.Bool
}

var _ auth.Store = (*Store)(nil)

// New creates an empty store.
func New() (*Store, error) {
	db, err := hcmemdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("memdb: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetUnavailable makes every call fail with auth.ErrUnavailable while down is true.
func (s *Store) SetUnavailable(down bool) { s.down.Store(down) }

// SetClock overrides the time source used for created/updated timestamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Identities() auth.IdentityStore { return identities{s.queries(nil)} }
func (s *Store) RoleRecords() auth.RoleRecordStore { return roleRecords{s.queries(nil)} }
func (s *Store) Sequences() auth.SequenceStore { return sequences{s.queries(nil)} }
func (s *Store) Lockouts() auth.LockoutStore { return lockouts{s.queries(nil)} }
func (s *Store) LoginAttempts() auth.LoginAttemptStore { return loginAttempts{s.queries(nil)} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return refreshTokens{s.queries(nil)} }
func (s *Store) AdminActions() auth.AdminActionStore { return adminActions{s.queries(nil)} }

// InTx runs fn inside one write transaction. Any error aborts every write made through q.
func (s *Store) InTx(ctx context.Context, fn func(q auth.Queries) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	if err := fn(s.queries(txn)); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

// Ping reports ErrUnavailable while the store is marked down.
func (s *Store) Ping(ctx context.Context) error { return s.check(ctx) }

func (s *Store) check(ctx context.Context) error {
	if s.down.Load() {
		return fmt.Errorf("%w: memdb marked down", auth.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", auth.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) queries(txn *hcmemdb.Txn) *queries { return &queries{s: s, txn: txn} }

// queries binds the sub-stores to txn, or to one transaction per call when txn is nil.
type queries struct {
	s   *Store
	txn *hcmemdb.Txn
}

func (q *queries) Identities() auth.IdentityStore { return identities{q} }
func (q *queries) RoleRecords() auth.RoleRecordStore { return roleRecords{q} }
func (q *queries) Sequences() auth.SequenceStore { return sequences{q} }
func (q *queries) Lockouts() auth.LockoutStore { return lockouts{q} }
func (q *queries) LoginAttempts() auth.LoginAttemptStore { return loginAttempts{q} }
func (q *queries) RefreshTokens() auth.RefreshTokenStore { return refreshTokens{q} }
func (q *queries) AdminActions() auth.AdminActionStore { return adminActions{q} }

func (q *queries) write(ctx context.Context, fn func(txn *hcmemdb.Txn) error) error {
	if err := q.s.check(ctx); err != nil {
		return err
	}
	if q.txn != nil {
		return fn(q.txn)
	}
	txn := q.s.db.Txn(true)
	if err := fn(txn); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

func (q *queries) read(ctx context.Context, fn func(txn *hcmemdb.Txn) error) error {
	if err := q.s.check(ctx); err != nil {
		return err
	}
	if q.txn != nil {
		return fn(q.txn)
	}
	txn := q.s.db.Txn(false)
	defer txn.Abort()
	return fn(txn)
}

func (q *queries) now() time.Time { return q.s.now().UTC() }

func first[T any](txn *hcmemdb.Txn, table, index string, args ...any) (*T, error) {
	raw, err := txn.First(table, index, args...)
	if err != nil {
		return nil, fmt.Errorf("memdb %s: %w", table, err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*T), nil
}

func all[T any](txn *hcmemdb.Txn, table, index string, args ...any) ([]*T, error) {
	it, err := txn.Get(table, index, args...)
	if err != nil {
		return nil, fmt.Errorf("memdb %s: %w", table, err)
	}
	var out []*T
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*T))
	}
	return out, nil
}

func insert(txn *hcmemdb.Txn, table string, obj any) error {
	if err := txn.Insert(table, obj); err != nil {
		return fmt.Errorf("memdb %s: %w", table, err)
	}
	return nil
}

// deleteAll removes the rows of table matching index=args and returns how many there were.
func deleteAll(txn *hcmemdb.Txn, table, index string, args ...any) (int, error) {
	n, err := txn.DeleteAll(table, index, args...)
	if err != nil {
		return 0, fmt.Errorf("memdb %s: %w", table, err)
	}
	return n, nil
}

func nextValue(txn *hcmemdb.Txn, name string) (int64, error) {
	cur, err := first[sequence](txn, tableSequences, indexID, name)
	if err != nil {
		return 0, err
	}
	next := &sequence{Name: name, Value: 1}
	if cur != nil {
		next.Value = cur.Value + 1
	}
	return next.Value, insert(txn, tableSequences, next)
}
