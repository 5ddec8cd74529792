package memdb

import (
	"context"
	"fmt"
	"sort"

	hcmemdb "github.com/hashicorp/go-memdb"

	"idsync.org/internal/auth"
)

type roleRecords struct{ q *queries }

func projectionTable(role auth.Role) (string, error) {
	switch role {
	case auth.RoleOperator:
		return auth.TableOperators, nil
	case auth.RolePersonnel:
		return auth.TablePersonnel, nil
	}
	return "", fmt.Errorf("%w: role %q has no projection", auth.ErrValidation, role)
}

var projectionTables = []string{auth.TableOperators, auth.TablePersonnel}

func (r roleRecords) Get(ctx context.Context, username string) (*auth.RoleRecord, error) {
	var out *auth.RoleRecord
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		for _, table := range projectionTables {
			rec, err := first[auth.RoleRecord](txn, table, indexID, username)
			if err != nil {
				return err
			}
			if rec != nil {
				cp := *rec
				out = &cp
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (r roleRecords) Put(ctx context.Context, rec *auth.RoleRecord) error {
	table, err := projectionTable(rec.Role)
	if err != nil {
		return err
	}
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		now := r.q.now()
		cp := *rec
		cur, err := first[auth.RoleRecord](txn, table, indexID, rec.Username)
		if err != nil {
			return err
		}
		if cur != nil {
			cp.ID = cur.ID
			cp.CreatedAt = cur.CreatedAt
		} else {
			if cp.ID, err = nextValue(txn, table); err != nil {
				return err
			}
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		return insert(txn, table, &cp)
	})
}

func (r roleRecords) Delete(ctx context.Context, username string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		for _, table := range projectionTables {
			if _, err := deleteAll(txn, table, indexID, username); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r roleRecords) ListByRole(ctx context.Context, role auth.Role) ([]*auth.RoleRecord, error) {
	table, err := projectionTable(role)
	if err != nil {
		return nil, err
	}
	var out []*auth.RoleRecord
	err = r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		rows, err := all[auth.RoleRecord](txn, table, indexID)
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

func (r roleRecords) CountByRole(ctx context.Context, role auth.Role) (int, error) {
	recs, err := r.ListByRole(ctx, role)
	return len(recs), err
}
