package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"idsync.org/internal/auth"
)

type loginAttempts struct{ q *queries }

const loginAttemptColumns = `id, username, attempt_type, ip_address, user_agent, session_id, error_message, created_at`

func scanLoginAttempt(row scanner) (*auth.LoginAttempt, error) {
	var a auth.LoginAttempt
	err := row.Scan(&a.ID, &a.Username, &a.AttemptType, &a.IP, &a.UserAgent, &a.SessionID, &a.ErrorMessage, &a.CreatedAt)
	return &a, err
}

func (r loginAttempts) Append(ctx context.Context, a *auth.LoginAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := r.q.db.QueryRowContext(ctx, `
		insert into login_attempts (username, attempt_type, ip_address, user_agent, session_id, error_message, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id
	`, a.Username, a.AttemptType, a.IP, a.UserAgent, a.SessionID, a.ErrorMessage, a.CreatedAt).Scan(&a.ID)
	return classify(err)
}

func (r loginAttempts) List(ctx context.Context, username string, limit int) ([]*auth.LoginAttempt, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if username == "" {
		rows, err = r.q.db.QueryContext(ctx, `
			select `+loginAttemptColumns+` from login_attempts
			order by id desc limit nullif($1, -1)
		`, limit)
	} else {
		rows, err = r.q.db.QueryContext(ctx, `
			select `+loginAttemptColumns+` from login_attempts
			where username = $2
			order by id desc limit nullif($1, -1)
		`, limit, username)
	}
	if err != nil {
		return nil, classify(err)
	}
	return collect(rows, scanLoginAttempt)
}

func (r loginAttempts) Stats(ctx context.Context, username string) (auth.LoginStats, error) {
	var (
		st   auth.LoginStats
		last sql.NullTime
	)
	err := r.q.db.QueryRowContext(ctx, `
		select count(*),
			count(*) filter (where attempt_type = 'success'),
			count(*) filter (where attempt_type <> 'success'),
			max(created_at)
		from login_attempts where username = $1
	`, username).Scan(&st.Total, &st.Successful, &st.Failed, &last)
	if err != nil {
		return auth.LoginStats{}, classify(err)
	}
	st.LastAttempt = timePtr(last)
	return st, nil
}

func (r loginAttempts) DeleteByUsername(ctx context.Context, username string) error {
	_, err := r.q.exec(ctx, `delete from login_attempts where username = $1`, username)
	return err
}

type refreshTokens struct{ q *queries }

const refreshTokenColumns = `token_id, username, token_type, issued_at, expires_at, is_active, revoked_at, ip_address, user_agent`

func scanRefreshToken(row scanner) (*auth.RefreshTokenRecord, error) {
	var (
		rec     auth.RefreshTokenRecord
		revoked sql.NullTime
	)
	err := row.Scan(&rec.TokenID, &rec.Username, &rec.TokenType, &rec.IssuedAt, &rec.ExpiresAt, &rec.IsActive,
		&revoked, &rec.IP, &rec.UserAgent)
	rec.RevokedAt = timePtr(revoked)
	return &rec, err
}

func (r refreshTokens) Create(ctx context.Context, rec *auth.RefreshTokenRecord) error {
	_, err := r.q.exec(ctx, `
		insert into refresh_tokens (token_id, username, token_type, issued_at, expires_at, is_active, revoked_at, ip_address, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.TokenID, rec.Username, rec.TokenType, rec.IssuedAt, rec.ExpiresAt, rec.IsActive, nullTime(rec.RevokedAt), rec.IP, rec.UserAgent)
	return err
}

func (r refreshTokens) Find(ctx context.Context, tokenID string) (*auth.RefreshTokenRecord, error) {
	rec, err := scanRefreshToken(r.q.db.QueryRowContext(ctx,
		`select `+refreshTokenColumns+` from refresh_tokens where token_id = $1`, tokenID))
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

func (r refreshTokens) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	_, err := r.q.exec(ctx, `
		update refresh_tokens set is_active = false, revoked_at = $2
		where token_id = $1 and is_active
	`, tokenID, at)
	return err
}

func (r refreshTokens) RevokeAllForUser(ctx context.Context, username string, at time.Time) (int, error) {
	n, err := r.q.exec(ctx, `
		update refresh_tokens set is_active = false, revoked_at = $2
		where username = $1 and is_active
	`, username, at)
	return int(n), err
}

func (r refreshTokens) ListActive(ctx context.Context, username string, now time.Time) ([]*auth.RefreshTokenRecord, error) {
	rows, err := r.q.db.QueryContext(ctx, `
		select `+refreshTokenColumns+` from refresh_tokens
		where is_active and expires_at > $1 and ($2 = '' or username = $2)
		order by issued_at desc
	`, now, username)
	if err != nil {
		return nil, classify(err)
	}
	return collect(rows, scanRefreshToken)
}

func (r refreshTokens) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := r.q.exec(ctx, `
		update refresh_tokens set is_active = false, revoked_at = $1
		where is_active and expires_at < $1
	`, now)
	return int(n), err
}

func (r refreshTokens) DeleteByUsername(ctx context.Context, username string) error {
	_, err := r.q.exec(ctx, `delete from refresh_tokens where username = $1`, username)
	return err
}

type adminActions struct{ q *queries }

func (r adminActions) Append(ctx context.Context, a *auth.AdminAction) error {
	details := []byte("{}")
	if len(a.Details) > 0 {
		raw, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	err := r.q.db.QueryRowContext(ctx, `
		insert into admin_actions (admin_username, target_username, action_type, details, ip_address, created_at)
		values ($1, $2, $3, $4, $5, $6)
		returning id
	`, a.AdminUsername, a.TargetUsername, a.ActionType, details, a.IP, a.CreatedAt).Scan(&a.ID)
	return classify(err)
}

func (r adminActions) List(ctx context.Context, limit int) ([]*auth.AdminAction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.q.db.QueryContext(ctx, `
		select id, admin_username, target_username, action_type, details, ip_address, created_at
		from admin_actions
		order by id desc limit nullif($1, -1)
	`, limit)
	if err != nil {
		return nil, classify(err)
	}
	return collect(rows, func(row scanner) (*auth.AdminAction, error) {
		var (
			a   auth.AdminAction
			raw []byte
		)
		if err := row.Scan(&a.ID, &a.AdminUsername, &a.TargetUsername, &a.ActionType, &raw, &a.IP, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		return &a, nil
	})
}

func (r adminActions) DeleteByTarget(ctx context.Context, username string) error {
	_, err := r.q.exec(ctx, `delete from admin_actions where target_username = $1`, username)
	return err
}
