package memdb

import (
	"context"
	"maps"
	"sort"
	"time"

	hcmemdb "github.com/hashicorp/go-memdb"

	"idsync.org/internal/auth"
)

type loginAttempts struct{ q *queries }

func (r loginAttempts) Append(ctx context.Context, a *auth.LoginAttempt) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		cp := *a
		id, err := nextValue(txn, auth.TableLoginAttempts)
		if err != nil {
			return err
		}
		cp.ID = id
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = r.q.now()
		}
		if err := insert(txn, auth.TableLoginAttempts, &cp); err != nil {
			return err
		}
		a.ID = id
		return nil
	})
}

func (r loginAttempts) rows(ctx context.Context, username string) ([]*auth.LoginAttempt, error) {
	var out []*auth.LoginAttempt
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		args := []any{}
		index := indexID
		if username != "" {
			index, args = indexUsername, []any{username}
		}
		rows, err := all[auth.LoginAttempt](txn, auth.TableLoginAttempts, index, args...)
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

func (r loginAttempts) List(ctx context.Context, username string, limit int) ([]*auth.LoginAttempt, error) {
	out, err := r.rows(ctx, username)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r loginAttempts) Stats(ctx context.Context, username string) (auth.LoginStats, error) {
	rows, err := r.rows(ctx, username)
	if err != nil {
		return auth.LoginStats{}, err
	}
	var st auth.LoginStats
	for _, row := range rows {
		st.Total++
		if row.AttemptType == auth.AttemptSuccess {
			st.Successful++
		} else {
			st.Failed++
		}
		if st.LastAttempt == nil || row.CreatedAt.After(*st.LastAttempt) {
			at := row.CreatedAt
			st.LastAttempt = &at
		}
	}
	return st, nil
}

func (r loginAttempts) DeleteByUsername(ctx context.Context, username string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		_, err := deleteAll(txn, auth.TableLoginAttempts, indexUsername, username)
		return err
	})
}

type refreshTokens struct{ q *queries }

func (r refreshTokens) Create(ctx context.Context, rec *auth.RefreshTokenRecord) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		cur, err := first[auth.RefreshTokenRecord](txn, tableRefreshToken, indexID, rec.TokenID)
		if err != nil {
			return err
		}
		if cur != nil {
			return auth.ErrAlreadyExists
		}
		cp := *rec
		return insert(txn, tableRefreshToken, &cp)
	})
}

func (r refreshTokens) Find(ctx context.Context, tokenID string) (*auth.RefreshTokenRecord, error) {
	var out *auth.RefreshTokenRecord
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		cur, err := first[auth.RefreshTokenRecord](txn, tableRefreshToken, indexID, tokenID)
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

func revokeRecord(txn *hcmemdb.Txn, rec *auth.RefreshTokenRecord, at time.Time) error {
	cp := *rec
	cp.IsActive = false
	cp.RevokedAt = &at
	return insert(txn, tableRefreshToken, &cp)
}

func (r refreshTokens) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		cur, err := first[auth.RefreshTokenRecord](txn, tableRefreshToken, indexID, tokenID)
		if err != nil || cur == nil || !cur.IsActive {
			return err
		}
		return revokeRecord(txn, cur, at)
	})
}

func (r refreshTokens) RevokeAllForUser(ctx context.Context, username string, at time.Time) (int, error) {
	n := 0
	err := r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		rows, err := all[auth.RefreshTokenRecord](txn, tableRefreshToken, indexUsername, username)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !row.IsActive {
				continue
			}
			if err := revokeRecord(txn, row, at); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (r refreshTokens) ListActive(ctx context.Context, username string, now time.Time) ([]*auth.RefreshTokenRecord, error) {
	var out []*auth.RefreshTokenRecord
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		args := []any{}
		index := indexID
		if username != "" {
			index, args = indexUsername, []any{username}
		}
		rows, err := all[auth.RefreshTokenRecord](txn, tableRefreshToken, index, args...)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.IsActive && now.Before(row.ExpiresAt) {
				cp := *row
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, err
}

func (r refreshTokens) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		rows, err := all[auth.RefreshTokenRecord](txn, tableRefreshToken, indexID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if !row.IsActive || !row.ExpiresAt.Before(now) {
				continue
			}
			if err := revokeRecord(txn, row, now); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (r refreshTokens) DeleteByUsername(ctx context.Context, username string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		_, err := deleteAll(txn, tableRefreshToken, indexUsername, username)
		return err
	})
}

type adminActions struct{ q *queries }

func (r adminActions) Append(ctx context.Context, a *auth.AdminAction) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		cp := *a
		cp.Details = maps.Clone(a.Details)
		id, err := nextValue(txn, auth.TableAdminActions)
		if err != nil {
			return err
		}
		cp.ID = id
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = r.q.now()
		}
		if err := insert(txn, auth.TableAdminActions, &cp); err != nil {
			return err
		}
		a.ID = id
		return nil
	})
}

func (r adminActions) List(ctx context.Context, limit int) ([]*auth.AdminAction, error) {
	var out []*auth.AdminAction
	err := r.q.read(ctx, func(txn *hcmemdb.Txn) error {
		rows, err := all[auth.AdminAction](txn, auth.TableAdminActions, indexID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			cp := *row
			out = append(out, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r adminActions) DeleteByTarget(ctx context.Context, username string) error {
	return r.q.write(ctx, func(txn *hcmemdb.Txn) error {
		_, err := deleteAll(txn, auth.TableAdminActions, indexTarget, username)
		return err
	})
}
