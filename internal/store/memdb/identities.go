package memdb

import (
	"context"
	"sort"
	"time"

	hcmemdb "github.com/hashicorp/go-memdb"

	"idsync.org/internal/auth"
)

type identities struct{ q *queries }

func getIdentity(txn *hcmemdb.Txn, username string) (*auth.Identity, error) {
	cur, err := first[auth.Identity](txn, auth.TableIdentities, indexID, username)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, auth.ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

// updateIdentity applies fn to a copy of the row and stores it.
func updateIdentity(txn *hcmemdb.Txn, username string, now time.Time, fn func(*auth.Identity)) (*auth.Identity, error) {
	row, err := getIdentity(txn, username)
	if err != nil {
		return nil, err
	}
	fn(row)
	row.UpdatedAt = now
	return row, insert(txn, auth.TableIdentities, row)
}

func (r identities) Get(ctx context.Context, username string) (*auth.Identity, error) {
	var out *auth.Identity
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) (err error) {
		out, err = getIdentity(txn, username)
		return err
	})
	return out, err
}

func (r identities) GetByEmployeeID(ctx context.Context, employeeID string) (*auth.Identity, error) {
	var out *auth.Identity
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		cur, err := first[auth.Identity](txn, auth.TableIdentities, indexEmployee, employeeID)
		if err != nil {
			return err
		}
		if cur == nil {
			return auth.ErrNotFound
		}
		cp := *cur
		out = &cp
		return nil
	})
	return out, err
}

func (r identities) List(ctx context.Context) ([]*auth.Identity, error) {
	var out []*auth.Identity
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		rows, err := all[auth.Identity](txn, auth.TableIdentities, indexID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			cp := *row
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r identities) Upsert(ctx context.Context, id *auth.Identity) (int64, error) {
	var rowID int64
	err := r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		now := r.q.now()
		row, err := getIdentity(txn, id.Username)
		switch {
		case auth.IsNotFound(err):
			row = &auth.Identity{Username: id.Username, CreatedAt: now}
			if row.ID, err = nextValue(txn, auth.TableIdentities); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		row.DirectoryRef = id.DirectoryRef
		row.FullName = id.FullName
		row.Email = id.Email
		row.Role = id.Role
		row.AuthorizationLevel = id.AuthorizationLevel
		row.EmployeeID = id.EmployeeID
		row.UpdatedAt = now
		rowID = row.ID
		return insert(txn, auth.TableIdentities, row)
	})
	return rowID, err
}

func (r identities) UpdateRole(ctx context.Context, username string, role auth.Role, employeeID string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		_, err := updateIdentity(txn, username, r.q.now(), func(row *auth.Identity) {
			row.Role = role
			row.EmployeeID = employeeID
		})
		return err
	})
}

func (r identities) UpdateAuthorizationLevel(ctx context.Context, username string, level int) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		_, err := updateIdentity(txn, username, r.q.now(), func(row *auth.Identity) {
			row.AuthorizationLevel = level
		})
		return err
	})
}

func (r identities) RecordLogin(ctx context.Context, username string, at time.Time) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		_, err := updateIdentity(txn, username, r.q.now(), func(row *auth.Identity) {
			row.LoginCount++
			row.LastLoginAt = &at
			clearLockout(row)
		})
		if err != nil {
			return err
		}
		return deactivateHistory(txn, username)
	})
}

func (r identities) Delete(ctx context.Context, username string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		_, err := deleteAll(txn, auth.TableIdentities, indexID, username)
		return err
	})
}

func clearLockout(row *auth.Identity) {
	row.FailedAttempts = 0
	row.IsLocked = false
	row.LockoutUntil = nil
}
