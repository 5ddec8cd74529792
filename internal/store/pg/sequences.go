package pg

import (
	"context"
	"fmt"
	"slices"

	"idsync.org/internal/auth"
)

// employeeSequences are the counters created by the schema migrations.
var employeeSequences = []string{"employee_admin", "employee_operator", "employee_personnel", "employee_user"}

type sequences struct{ q *queries }

func (r sequences) Next(ctx context.Context, name string) (int64, error) {
	if !slices.Contains(employeeSequences, name) {
		return 0, fmt.Errorf("%w: unknown sequence %q", auth.ErrValidation, name)
	}
	var n int64
	if err := r.q.db.QueryRowContext(ctx, `select nextval($1::regclass)`, name+"_seq").Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Compact renumbers ids to 1..N in id order through negative intermediates,
// then points the serial sequence at N.
func (r sequences) Compact(ctx context.Context, table string) (int64, error) {
	if !slices.Contains(auth.CompactableTables, table) {
		return 0, fmt.Errorf("%w: unknown table %q", auth.ErrValidation, table)
	}
	var n int64
	err := r.q.atomic(ctx, func(q *queries) error {
		var err error
		n, err = q.exec(ctx, fmt.Sprintf(`
			update %[1]s t set id = -o.rn
			from (select id, row_number() over (order by id) as rn from %[1]s) o
			where t.id = o.id
		`, table))
		if err != nil {
			return err
		}
		if _, err := q.exec(ctx, fmt.Sprintf(`update %s set id = -id where id < 0`, table)); err != nil {
			return err
		}
		var last int64
		err = q.db.QueryRowContext(ctx, `select setval(pg_get_serial_sequence($1, 'id'), $2, $3)`,
			table, max(n, 1), n > 0).Scan(&last)
		return classify(err)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
