package memdb

import (
	"context"
	"sort"

	hcmemdb "github.com/hashicorp/go-memdb"

	"idsync.org/internal/auth"
)

type sequences struct{ q *queries }

func (r sequences) Next(ctx context.Context, name string) (int64, error) {
	var n int64
	err := r.q.write(ctx, func(txn *hcmemdb.Txn) (err error) {
		n, err = nextValue(txn, name)
		return err
	})
	return n, err
}

func (r sequences) Compact(ctx context.Context, table string) (int64, error) {
	var n int64
	err := r.q.write(ctx, func(txn *hcmemdb.Txn) (err error) {
		switch table {
		case auth.TableIdentities:
			n, err = renumber(txn, table, false, func(v *auth.Identity) *int64 { return &v.ID })
		case auth.TableOperators, auth.TablePersonnel:
			n, err = renumber(txn, table, false, func(v *auth.RoleRecord) *int64 { return &v.ID })
		case auth.TableLoginAttempts:
			n, err = renumber(txn, table, true, func(v *auth.LoginAttempt) *int64 { return &v.ID })
		case auth.TableAdminActions:
			n, err = renumber(txn, table, true, func(v *auth.AdminAction) *int64 { return &v.ID })
		case auth.TableLockouts:
			n, err = renumber(txn, table, true, func(v *auth.LockoutRecord) *int64 { return &v.ID })
		default:
			return auth.ErrValidation
		}
		return err
	})
	return n, err
}

// renumber assigns ids 1..N in current id order and resets the table's
// counter to N. keyedByID tables are rebuilt because the id is their primary index.
func renumber[T any](txn *hcmemdb.Txn, table string, keyedByID bool, id func(*T) *int64) (int64, error) {
	rows, err := all[T](txn, table, indexID)
	if err != nil {
		return 0, err
	}
	sort.Slice(rows, func(i, j int) bool { return *id(rows[i]) < *id(rows[j]) })
	if keyedByID {
		if _, err := deleteAll(txn, table, indexID); err != nil {
			return 0, err
		}
	}
	for i, row := range rows {
		cp := *row
		*id(&cp) = int64(i + 1)
		if err := insert(txn, table, &cp); err != nil {
			return 0, err
		}
	}
	n := int64(len(rows))
	return n, insert(txn, tableSequences, &sequence{Name: table, Value: n})
}
