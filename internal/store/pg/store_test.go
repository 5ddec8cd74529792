package pg

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"idsync.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

func TestIncrementFailures(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("update users set failed_attempts_count = failed_attempts_count").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts_count"}).AddRow(2))
	n, err := store.Lockouts().IncrementFailures(ctx, "alice")
	if err != nil || n != 2 {
		t.Fatalf("IncrementFailures = %d, %v", n, err)
	}

	mock.ExpectQuery("update users set failed_attempts_count = failed_attempts_count").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts_count"}))
	if _, err := store.Lockouts().IncrementFailures(ctx, "ghost"); !auth.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLockWritesIdentityAndHistoryInOneTransaction(t *testing.T) {
	store, mock := newMock(t)
	until := time.Now().Add(30 * time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("update users set is_locked = true").
		WithArgs("alice", until, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into user_lockouts").
		WithArgs("alice", "failed_attempts", 3, until).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Lockouts().Lock(context.Background(), "alice", until, 3, "failed_attempts"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
}

func TestUnlockMissingIdentityRollsBack(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("update users set failed_attempts_count = 0").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := store.Lockouts().Unlock(context.Background(), "ghost"); !auth.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertIdentityReturnsID(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("insert into users").
		WithArgs("bob", "uid=bob,ou=users", "Bob", "", "operator", 3, "OP_01").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := store.Identities().Upsert(context.Background(), &auth.Identity{
		Username:           "bob",
		DirectoryRef:       "uid=bob,ou=users",
		FullName:           "Bob",
		Role:               auth.RoleOperator,
		AuthorizationLevel: 3,
		EmployeeID:         "OP_01",
	})
	if err != nil || id != 7 {
		t.Fatalf("Upsert = %d, %v", id, err)
	}
}

func TestGetIdentityScansNullableColumns(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	cols := []string{"id", "username", "directory_reference", "full_name", "email", "role", "authorization_level",
		"employee_id", "login_count", "failed_attempts_count", "last_login", "is_locked", "lockout_until", "created_at", "updated_at"}
	mock.ExpectQuery("from users where username").
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(1, "bob", "uid=bob", "Bob", "b@x", "operator", 3, "OP_01", 4, 0, now, false, nil, now, now))

	id, err := store.Identities().Get(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if id.Role != auth.RoleOperator || id.LoginCount != 4 || id.LastLoginAt == nil || id.LockoutUntil != nil {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	store, mock := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("delete from login_attempts").WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(q auth.Queries) error {
		if err := q.LoginAttempts().DeleteByUsername(context.Background(), "bob"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestCreateRefreshTokenDuplicate(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	mock.ExpectExec("insert into refresh_tokens").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "refresh_tokens_pkey"})

	err := store.RefreshTokens().Create(context.Background(), &auth.RefreshTokenRecord{
		TokenID: "t1", Username: "alice", IssuedAt: now, ExpiresAt: now.Add(time.Hour), IsActive: true,
	})
	if !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRevokeAllForUserCountsRows(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now()

	mock.ExpectExec("update refresh_tokens set is_active = false").
		WithArgs("alice", at).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.RefreshTokens().RevokeAllForUser(context.Background(), "alice", at)
	if err != nil || n != 3 {
		t.Fatalf("RevokeAllForUser = %d, %v", n, err)
	}
}

func TestSequenceNext(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("select nextval").
		WithArgs("employee_operator_seq").
		WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(int64(5)))

	n, err := store.Sequences().Next(context.Background(), "employee_operator")
	if err != nil || n != 5 {
		t.Fatalf("Next = %d, %v", n, err)
	}
	if _, err := store.Sequences().Next(context.Background(), "users; drop table users"); !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCompactRenumbersAndResetsSequence(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("update login_attempts t set id = -o.rn").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("update login_attempts set id = -id").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectQuery("select setval").
		WithArgs(auth.TableLoginAttempts, int64(4), true).
		WillReturnRows(sqlmock.NewRows([]string{"setval"}).AddRow(int64(4)))
	mock.ExpectCommit()

	n, err := store.Sequences().Compact(context.Background(), auth.TableLoginAttempts)
	if err != nil || n != 4 {
		t.Fatalf("Compact = %d, %v", n, err)
	}

	if _, err := store.Sequences().Compact(context.Background(), "refresh_tokens"); !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestLoginStats(t *testing.T) {
	store, mock := newMock(t)
	last := time.Now().UTC()

	mock.ExpectQuery("from login_attempts where username").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count", "ok", "failed", "max"}).AddRow(5, 3, 2, last))

	st, err := store.LoginAttempts().Stats(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 5 || st.Successful != 3 || st.Failed != 2 || st.LastAttempt == nil {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestAdminActionDetailsRoundTrip(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("insert into admin_actions").
		WithArgs("root", "bob", auth.ActionChangeRole, []byte(`{"new_role":"operator"}`), "10.0.0.1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	a := &auth.AdminAction{
		AdminUsername: "root", TargetUsername: "bob", ActionType: auth.ActionChangeRole,
		Details: map[string]any{"new_role": "operator"}, IP: "10.0.0.1", CreatedAt: now,
	}
	if err := store.AdminActions().Append(context.Background(), a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if a.ID != 11 {
		t.Fatalf("expected id 11, got %d", a.ID)
	}

	mock.ExpectQuery("from admin_actions").
		WithArgs(-1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "admin_username", "target_username", "action_type", "details", "ip_address", "created_at"}).
			AddRow(11, "root", "bob", auth.ActionChangeRole, []byte(`{"new_role":"operator"}`), "10.0.0.1", now))
	rows, err := store.AdminActions().List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].Details["new_role"] != "operator" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&pgconn.PgError{Code: pgErrUniqueViolation}, auth.ErrAlreadyExists},
		{&pgconn.PgError{Code: pgErrForeignKeyViolation}, auth.ErrNotFound},
		{&pgconn.PgError{Code: "08006"}, auth.ErrUnavailable},
		{&pgconn.PgError{Code: "57P01"}, auth.ErrUnavailable},
		{driver.ErrBadConn, auth.ErrUnavailable},
		{fmt.Errorf("query: %w", context.DeadlineExceeded), auth.ErrUnavailable},
	}
	for _, tc := range cases {
		if got := classify(tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) must be nil")
	}
	plain := classify(errors.New("syntax"))
	if errors.Is(plain, auth.ErrUnavailable) || errors.Is(plain, auth.ErrNotFound) {
		t.Fatalf("plain error misclassified: %v", plain)
	}
}
