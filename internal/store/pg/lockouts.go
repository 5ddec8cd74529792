package pg

import (
	"context"
	"database/sql"
	"time"

	"idsync.org/internal/auth"
)

type lockouts struct{ q *queries }

func (r lockouts) State(ctx context.Context, username string) (auth.LockoutState, error) {
	var (
		st    auth.LockoutState
		until sql.NullTime
	)
	err := r.q.db.QueryRowContext(ctx, `
		select failed_attempts_count, is_locked, lockout_until from users where username = $1
	`, username).Scan(&st.FailedAttempts, &st.IsLocked, &until)
	if err != nil {
		return auth.LockoutState{}, classify(err)
	}
	st.LockoutUntil = timePtr(until)
	return st, nil
}

func (r lockouts) IncrementFailures(ctx context.Context, username string) (int, error) {
	var n int
	err := r.q.db.QueryRowContext(ctx, `
		update users set failed_attempts_count = failed_attempts_count + 1, updated_at = now()
		where username = $1
		returning failed_attempts_count
	`, username).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r lockouts) Lock(ctx context.Context, username string, until time.Time, failed int, reason string) error {
	return r.q.atomic(ctx, func(q *queries) error {
		err := q.execOne(ctx, `
			update users set is_locked = true, lockout_until = $2, failed_attempts_count = $3, updated_at = now()
			where username = $1
		`, username, until, failed)
		if err != nil {
			return err
		}
		_, err = q.exec(ctx, `
			insert into user_lockouts (username, reason, failed_attempts, lockout_start, lockout_end, is_active)
			values ($1, $2, $3, now(), $4, true)
		`, username, reason, failed, until)
		return err
	})
}

func (r lockouts) Unlock(ctx context.Context, username string) error {
	return r.q.atomic(ctx, func(q *queries) error {
		err := q.execOne(ctx, `
			update users set failed_attempts_count = 0, is_locked = false, lockout_until = null, updated_at = now()
			where username = $1
		`, username)
		if err != nil {
			return err
		}
		_, err = q.exec(ctx, `update user_lockouts set is_active = false where username = $1 and is_active`, username)
		return err
	})
}

func (r lockouts) History(ctx context.Context, username string) ([]*auth.LockoutRecord, error) {
	rows, err := r.q.db.QueryContext(ctx, `
		select id, username, reason, failed_attempts, lockout_start, lockout_end, is_active
		from user_lockouts where username = $1
		order by id desc
	`, username)
	if err != nil {
		return nil, classify(err)
	}
	return collect(rows, func(row scanner) (*auth.LockoutRecord, error) {
		var rec auth.LockoutRecord
		err := row.Scan(&rec.ID, &rec.Username, &rec.Reason, &rec.FailedAttempts, &rec.LockoutStart, &rec.LockoutEnd, &rec.IsActive)
		return &rec, err
	})
}

func (r lockouts) DeleteHistory(ctx context.Context, username string) error {
	_, err := r.q.exec(ctx, `delete from user_lockouts where username = $1`, username)
	return err
}
