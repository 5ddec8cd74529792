package directory

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testBase = "ou=users,dc=example,dc=com"

func newTestDirectory(t *testing.T) (*Directory, *MemoryConn) {
	t.Helper()
	conn := NewMemoryConn(testBase)
	return New(conn, testBase), conn
}

func TestCreateAndLookup(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	err := dir.CreateUser(ctx, NewUser{
		Username:           "bob",
		Password:           "P@ssw0rd1",
		FullName:           "Bob B",
		Role:               "operator",
		EmployeeID:         "OP_01",
		AuthorizationLevel: 3,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := dir.Lookup(ctx, "bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if u.DN != "uid=bob,"+testBase {
		t.Fatalf("unexpected dn %q", u.DN)
	}
	if u.Role != "operator" || u.AuthorizationLevel != 3 || u.EmployeeID != "OP_01" {
		t.Fatalf("unexpected user %+v", u)
	}
	if u.FullName != "Bob B" {
		t.Fatalf("unexpected cn %q", u.FullName)
	}

	if err := dir.CreateUser(ctx, NewUser{Username: "bob", Password: "x"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestLookupMissing(t *testing.T) {
	dir, _ := newTestDirectory(t)
	if _, err := dir.Lookup(context.Background(), "ghost"); !errors.Is(err, ErrNoSuchUser) {
		t.Fatalf("expected ErrNoSuchUser, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()
	if err := dir.CreateUser(ctx, NewUser{Username: "alice", Password: "S3cret!pw", Role: "personnel"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := dir.Authenticate(ctx, "alice", "S3cret!pw"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := dir.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := dir.Authenticate(ctx, "alice", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty password must not bind, got %v", err)
	}
	if err := dir.SetPassword(ctx, "alice", "N3w!passw"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if err := dir.Authenticate(ctx, "alice", "N3w!passw"); err != nil {
		t.Fatalf("Authenticate after reset: %v", err)
	}
}

func TestListByRoleAndModify(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()
	for _, nu := range []NewUser{
		{Username: "op1", Password: "x", Role: "operator"},
		{Username: "per1", Password: "x", Role: "personnel"},
		{Username: "per2", Password: "x", Role: "personnel"},
	} {
		if err := dir.CreateUser(ctx, nu); err != nil {
			t.Fatalf("CreateUser %s: %v", nu.Username, err)
		}
	}

	personnel, err := dir.ListByRole(ctx, "personnel")
	if err != nil {
		t.Fatalf("ListByRole: %v", err)
	}
	if len(personnel) != 2 {
		t.Fatalf("expected 2 personnel, got %d", len(personnel))
	}

	if err := dir.SetRole(ctx, "per2", "operator", "OP_02"); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	if err := dir.SetAuthorizationLevel(ctx, "per2", 4); err != nil {
		t.Fatalf("SetAuthorizationLevel: %v", err)
	}
	u, err := dir.Lookup(ctx, "per2")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if u.Role != "operator" || u.EmployeeID != "OP_02" || u.AuthorizationLevel != 4 {
		t.Fatalf("modify not applied: %+v", u)
	}

	all, err := dir.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 users, got %d", len(all))
	}

	if err := dir.DeleteUser(ctx, "op1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := dir.DeleteUser(ctx, "op1"); !errors.Is(err, ErrNoSuchUser) {
		t.Fatalf("expected ErrNoSuchUser on second delete, got %v", err)
	}
}

func TestPingAndUnavailable(t *testing.T) {
	dir, conn := newTestDirectory(t)
	ctx := context.Background()
	if err := dir.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	conn.SetUnavailable(true)
	if err := dir.Ping(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := dir.Authenticate(ctx, "anyone", "pw"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from bind, got %v", err)
	}
}

func TestAuthLevelCodec(t *testing.T) {
	if got := FormatAuthLevel(3); got != "auth_level:3" {
		t.Fatalf("FormatAuthLevel(3)=%q", got)
	}
	cases := map[string]struct {
		level int
		ok    bool
	}{
		"auth_level:5":  {5, true},
		"auth_level:1":  {1, true},
		"auth_level:12": {0, false},
		"auth_level:0":  {0, false},
		"auth_level:-1": {0, false},
		"auth_level:":   {0, false},
		"auth_level:x":  {0, false},
		"level:3":       {0, false},
		"":              {0, false},
	}
	for in, want := range cases {
		level, ok := ParseAuthLevel(in)
		if level != want.level || ok != want.ok {
			t.Fatalf("ParseAuthLevel(%q)=(%d,%v), want (%d,%v)", in, level, ok, want.level, want.ok)
		}
	}
}

func TestOutOfRangeAuthLevelIsIgnored(t *testing.T) {
	dir, conn := newTestDirectory(t)
	ctx := context.Background()

	err := conn.Add(ctx, dir.DN("eve"), []string{"inetOrgPerson"}, map[string][]string{
		AttrUID:         {"eve"},
		AttrCommonName:  {"Eve"},
		AttrRole:        {"operator"},
		AttrDescription: {"auth_level:9"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	u, err := dir.Lookup(ctx, "eve")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if u.AuthorizationLevel != 0 {
		t.Fatalf("expected level treated as absent, got %d", u.AuthorizationLevel)
	}
}

func TestClassifyLDAPErrors(t *testing.T) {
	cases := []struct {
		code uint16
		want error
	}{
		{ldap.LDAPResultInvalidCredentials, ErrInvalidCredentials},
		{ldap.LDAPResultNoSuchObject, ErrNoSuchUser},
		{ldap.LDAPResultEntryAlreadyExists, ErrAlreadyExists},
		{ldap.ErrorNetwork, ErrUnavailable},
		{ldap.LDAPResultUnavailable, ErrUnavailable},
	}
	for _, tc := range cases {
		err := classify(ldap.NewError(tc.code, errors.New("boom")))
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %d: expected %v, got %v", tc.code, tc.want, err)
		}
	}
	if classify(nil) != nil {
		t.Fatal("classify(nil) must be nil")
	}
}

func TestLDAPConnRecordsSpans(t *testing.T) {
	// A listener that is closed at once gives a port nothing answers on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	rec := tracetest.NewSpanRecorder()
	conn, err := NewLDAPConn(LDAPConfig{
		URL:            "ldap://" + addr,
		Timeout:        time.Second,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
	})
	if err != nil {
		t.Fatalf("NewLDAPConn: %v", err)
	}

	err = conn.Bind(context.Background(), "uid=bob,"+testBase, "secret")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	_, _ = conn.Search(context.Background(), testBase, "(uid=bob)", nil)

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	if ended[0].Name() != "ldap.bind" || ended[1].Name() != "ldap.search" {
		t.Fatalf("unexpected span names %q, %q", ended[0].Name(), ended[1].Name())
	}
	if ended[0].Status().Code != codes.Error {
		t.Fatalf("expected error status on failed bind, got %v", ended[0].Status())
	}
}
