package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/auth/login":                    "/v1/auth/login",
		"/v1/auth/lockout/alice":            "/v1/auth/lockout/:username",
		"/v1/admin/users":                   "/v1/admin/users",
		"/v1/admin/users/bob":               "/v1/admin/users/:username",
		"/v1/admin/users/bob/role":          "/v1/admin/users/:username/role",
		"/v1/admin/users/bob/extra":         "/v1/admin/users/bob/extra",
		"/v1/admin/employees/OP_07":         "/v1/admin/employees/:employee_id",
		"/v1/admin/compact/login_attempts":  "/v1/admin/compact/:table",
		"/v1/admin/login-attempts?limit=10": "/v1/admin/login-attempts",
		"/v1/admin/tokens?username=alice":   "/v1/admin/tokens",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsByCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/auth/lockout/:username", "418"))
	for _, name := range []string{"alice", "bob"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/auth/lockout/"+name, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/auth/lockout/:username", "418"))
	if after-before != 2 {
		t.Fatalf("expected 2 requests counted, got %v", after-before)
	}
}
