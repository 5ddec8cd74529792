package pg

import (
	"context"
	"fmt"

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

const roleRecordColumns = `id, username, employee_id, full_name, authorization_level, department, position, created_at, updated_at`

func scanRoleRecord(role auth.Role) func(scanner) (*auth.RoleRecord, error) {
	return func(row scanner) (*auth.RoleRecord, error) {
		rec := auth.RoleRecord{Role: role}
		err := row.Scan(&rec.ID, &rec.Username, &rec.EmployeeID, &rec.FullName, &rec.AuthorizationLevel,
			&rec.Department, &rec.Position, &rec.CreatedAt, &rec.UpdatedAt)
		return &rec, err
	}
}

func (r roleRecords) Get(ctx context.Context, username string) (*auth.RoleRecord, error) {
	for _, role := range []auth.Role{auth.RoleOperator, auth.RolePersonnel} {
		table, _ := projectionTable(role)
		rec, err := scanRoleRecord(role)(r.q.db.QueryRowContext(ctx,
			`select `+roleRecordColumns+` from `+table+` where username = $1`, username))
		err = classify(err)
		switch {
		case err == nil:
			return rec, nil
		case !auth.IsNotFound(err):
			return nil, err
		}
	}
	return nil, auth.ErrNotFound
}

func (r roleRecords) Put(ctx context.Context, rec *auth.RoleRecord) error {
	table, err := projectionTable(rec.Role)
	if err != nil {
		return err
	}
	_, err = r.q.exec(ctx, `
		insert into `+table+` (username, employee_id, full_name, authorization_level, department, position)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (username) do update
		set employee_id = excluded.employee_id,
			full_name = excluded.full_name,
			authorization_level = excluded.authorization_level,
			department = excluded.department,
			position = excluded.position,
			updated_at = now()
	`, rec.Username, rec.EmployeeID, rec.FullName, rec.AuthorizationLevel, rec.Department, rec.Position)
	return err
}

func (r roleRecords) Delete(ctx context.Context, username string) error {
	for _, table := range []string{auth.TableOperators, auth.TablePersonnel} {
		if _, err := r.q.exec(ctx, `delete from `+table+` where username = $1`, username); err != nil {
			return err
		}
	}
	return nil
}

func (r roleRecords) ListByRole(ctx context.Context, role auth.Role) ([]*auth.RoleRecord, error) {
	table, err := projectionTable(role)
	if err != nil {
		return nil, err
	}
	rows, err := r.q.db.QueryContext(ctx, `select `+roleRecordColumns+` from `+table+` order by id`)
	if err != nil {
		return nil, classify(err)
	}
	return collect(rows, scanRoleRecord(role))
}

func (r roleRecords) CountByRole(ctx context.Context, role auth.Role) (int, error) {
	table, err := projectionTable(role)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.q.db.QueryRowContext(ctx, `select count(*) from `+table).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}
