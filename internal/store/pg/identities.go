package pg

import (
	"context"
	"database/sql"
	"time"

	"idsync.org/internal/auth"
)

const identityColumns = `id, username, directory_reference, full_name, email, role, authorization_level,
	employee_id, login_count, failed_attempts_count, last_login, is_locked, lockout_until, created_at, updated_at`

type identities struct{ q *queries }

func scanIdentity(row scanner) (*auth.Identity, error) {
	var (
		id        auth.Identity
		lastLogin sql.NullTime
		until     sql.NullTime
	)
	err := row.Scan(&id.ID, &id.Username, &id.DirectoryRef, &id.FullName, &id.Email, &id.Role, &id.AuthorizationLevel,
		&id.EmployeeID, &id.LoginCount, &id.FailedAttempts, &lastLogin, &id.IsLocked, &until, &id.CreatedAt, &id.UpdatedAt)
	if err != nil {
		return nil, err
	}
	id.LastLoginAt = timePtr(lastLogin)
	id.LockoutUntil = timePtr(until)
	return &id, nil
}

func (r identities) Get(ctx context.Context, username string) (*auth.Identity, error) {
	id, err := scanIdentity(r.q.db.QueryRowContext(ctx,
		`select `+identityColumns+` from users where username = $1`, username))
	if err != nil {
		return nil, classify(err)
	}
	return id, nil
}

func (r identities) GetByEmployeeID(ctx context.Context, employeeID string) (*auth.Identity, error) {
	id, err := scanIdentity(r.q.db.QueryRowContext(ctx,
		`select `+identityColumns+` from users where employee_id = $1 order by id limit 1`, employeeID))
	if err != nil {
		return nil, classify(err)
	}
	return id, nil
}

func (r identities) List(ctx context.Context) ([]*auth.Identity, error) {
	rows, err := r.q.db.QueryContext(ctx, `select `+identityColumns+` from users order by id`)
	if err != nil {
		return nil, classify(err)
	}
	return collect(rows, scanIdentity)
}

func (r identities) Upsert(ctx context.Context, id *auth.Identity) (int64, error) {
	var rowID int64
	err := r.q.db.QueryRowContext(ctx, `
		insert into users (username, directory_reference, full_name, email, role, authorization_level, employee_id)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (username) do update
		set directory_reference = excluded.directory_reference,
			full_name = excluded.full_name,
			email = excluded.email,
			role = excluded.role,
			authorization_level = excluded.authorization_level,
			employee_id = excluded.employee_id,
			updated_at = now()
		returning id
	`, id.Username, id.DirectoryRef, id.FullName, id.Email, string(id.Role), id.AuthorizationLevel, id.EmployeeID).Scan(&rowID)
	if err != nil {
		return 0, classify(err)
	}
	return rowID, nil
}

func (r identities) UpdateRole(ctx context.Context, username string, role auth.Role, employeeID string) error {
	return r.q.execOne(ctx, `
		update users set role = $2, employee_id = $3, updated_at = now()
		where username = $1
	`, username, string(role), employeeID)
}

func (r identities) UpdateAuthorizationLevel(ctx context.Context, username string, level int) error {
	return r.q.execOne(ctx, `
		update users set authorization_level = $2, updated_at = now()
		where username = $1
	`, username, level)
}

func (r identities) RecordLogin(ctx context.Context, username string, at time.Time) error {
	return r.q.atomic(ctx, func(q *queries) error {
		err := q.execOne(ctx, `
			update users
			set login_count = login_count + 1, last_login = $2,
				failed_attempts_count = 0, is_locked = false, lockout_until = null, updated_at = now()
			where username = $1
		`, username, at)
		if err != nil {
			return err
		}
		_, err = q.exec(ctx, `update user_lockouts set is_active = false where username = $1 and is_active`, username)
		return err
	})
}

func (r identities) Delete(ctx context.Context, username string) error {
	_, err := r.q.exec(ctx, `delete from users where username = $1`, username)
	return err
}
