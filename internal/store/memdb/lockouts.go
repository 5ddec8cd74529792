package memdb

import (
	"context"
	"sort"
	"time"

	hcmemdb "github.com/hashicorp/go-memdb"

	"idsync.org/internal/auth"
)

type lockouts struct{ q *queries }

func (r lockouts) State(ctx context.Context, username string) (auth.LockoutState, error) {
	var st auth.LockoutState
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		row, err := getIdentity(txn, username)
		if err != nil {
			return err
		}
		st = auth.LockoutState{FailedAttempts: row.FailedAttempts, IsLocked: row.IsLocked, LockoutUntil: row.LockoutUntil}
		return nil
	})
	return st, err
}

func (r lockouts) IncrementFailures(ctx context.Context, username string) (int, error) {
	var n int
	err := r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		row, err := updateIdentity(txn, username, r.q.now(), func(row *auth.Identity) {
			row.FailedAttempts++
		})
		if err != nil {
			return err
		}
		n = row.FailedAttempts
		return nil
	})
	return n, err
}

func (r lockouts) Lock(ctx context.Context, username string, until time.Time, failed int, reason string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		now := r.q.now()
		if _, err := updateIdentity(txn, username, now, func(row *auth.Identity) {
			row.IsLocked = true
			row.LockoutUntil = &until
			row.FailedAttempts = failed
		}); err != nil {
			return err
		}
		id, err := nextValue(txn, auth.TableLockouts)
		if err != nil {
			return err
		}
		return insert(txn, auth.TableLockouts, &auth.LockoutRecord{
			ID:             id,
			Username:       username,
			Reason:         reason,
			FailedAttempts: failed,
			LockoutStart:   now,
			LockoutEnd:     until,
			IsActive:       true,
		})
	})
}

func (r lockouts) Unlock(ctx context.Context, username string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		if _, err := updateIdentity(txn, username, r.q.now(), clearLockout); err != nil {
			return err
		}
		return deactivateHistory(txn, username)
	})
}

func deactivateHistory(txn *hcmemdb.Txn, username string) error {
	rows, err := all[auth.LockoutRecord](txn, auth.TableLockouts, indexUsername, username)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		cp := *row
		cp.IsActive = false
		if err := insert(txn, auth.TableLockouts, &cp); err != nil {
			return err
		}
	}
	return nil
}

func (r lockouts) History(ctx context.Context, username string) ([]*auth.LockoutRecord, error) {
	var out []*auth.LockoutRecord
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		rows, err := all[auth.LockoutRecord](txn, auth.TableLockouts, indexUsername, username)
		if err != nil {
			return err
		}
		for _, row := range rows {
			cp := *row
			out = append(out, &cp)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, err
}

func (r lockouts) DeleteHistory(ctx context.Context, username string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		_, err := deleteAll(txn, auth.TableLockouts, indexUsername, username)
		return err
	})
}
