package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"idsync.org/internal/audit"
	"idsync.org/internal/auth"
	"idsync.org/internal/directory"
	"idsync.org/internal/store/memdb"
)

const (
	testBaseDN   = "ou=users,dc=idsync,dc=test"
	testPassword = "Str0ng!pass"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memdb.Store
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	conn := directory.NewMemoryConn(testBaseDN)
	dir := directory.New(conn, testBaseDN)
	store, err := memdb.New()
	if err != nil {
		t.Fatalf("memdb: %v", err)
	}
	svc, err := auth.NewService(dir, store, []byte("http-test-secret-http-test-secret!!"), auth.WithAuditor(audit.NewTrail(store)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	err = dir.CreateUser(context.Background(), directory.NewUser{
		Username: "root",
		Password: testPassword,
		FullName: "Root Admin",
		Role:     string(auth.RoleAdmin),
	})
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	api := New(svc, WithVersion("test"), WithRateLimit(0, 0))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), store: store, t: t}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

func (c *apiClient) login(username, password string) auth.Session {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{"username": username, "password": password}, "")
	expectStatus(c.t, resp, http.StatusOK)
	sess := decode[auth.Session](c.t, resp)
	if sess.AccessToken == "" || sess.RefreshToken == "" {
		c.t.Fatalf("empty tokens issued: %+v", sess)
	}
	return sess
}

func (c *apiClient) createUser(token, username, role string) map[string]any {
	c.t.Helper()
	resp := c.post("/v1/admin/users", map[string]any{
		"username":  username,
		"password":  testPassword,
		"full_name": username + " Example",
		"role":      role,
	}, token)
	expectStatus(c.t, resp, http.StatusCreated)
	return decode[map[string]any](c.t, resp)
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(r.Body)
		_ = r.Body.Close()
		t.Fatalf("%s %s: status %d, want %d: %s", r.Request.Method, r.Request.URL.Path, r.StatusCode, want, body.String())
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["version"] != "test" {
		t.Fatalf("unexpected health body: %v", health)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}

	expectStatus(t, api.get("/readyz", nil, ""), http.StatusOK)

	api.store.SetUnavailable(true)
	resp = api.get("/readyz", nil, "")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	_ = resp.Body.Close()
}

func TestLoginRefreshLogoutFlow(t *testing.T) {
	api := newTestAPI(t)
	sess := api.login("root", testPassword)
	if sess.User.Role != auth.RoleAdmin || sess.TokenType != "bearer" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	resp := api.get("/v1/users/me", nil, sess.AccessToken)
	expectStatus(t, resp, http.StatusOK)
	me := decode[map[string]any](t, resp)
	identity := me["identity"].(map[string]any)
	if identity["username"] != "root" || identity["employee_id"] != "ADMIN_01" {
		t.Fatalf("unexpected profile: %v", me)
	}

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": sess.RefreshToken}, "")
	expectStatus(t, resp, http.StatusOK)
	refreshed := decode[auth.Session](t, resp)
	if refreshed.AccessToken == "" || refreshed.RefreshToken != "" {
		t.Fatalf("unexpected refresh session: %+v", refreshed)
	}

	resp = api.post("/v1/auth/logout", map[string]any{"refresh_token": sess.RefreshToken}, "")
	expectStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": sess.RefreshToken}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["code"] != "token_revoked" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestLoginFailuresLockAccount(t *testing.T) {
	api := newTestAPI(t)
	creds := map[string]any{"username": "root", "password": "Wr0ng!pass"}

	resp := api.post("/v1/auth/login", creds, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[map[string]any](t, resp)
	if body["remaining_attempts"] != float64(2) {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = api.post("/v1/auth/login", creds, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	_ = resp.Body.Close()

	resp = api.post("/v1/auth/login", creds, "")
	expectStatus(t, resp, http.StatusLocked)
	if resp.Header.Get("Retry-After") != "30" {
		t.Fatalf("unexpected Retry-After: %q", resp.Header.Get("Retry-After"))
	}
	_ = resp.Body.Close()

	resp = api.post("/v1/auth/login", map[string]any{"username": "root", "password": testPassword}, "")
	expectStatus(t, resp, http.StatusLocked)
	_ = resp.Body.Close()

	resp = api.get("/v1/auth/lockout/root", nil, "")
	expectStatus(t, resp, http.StatusOK)
	st := decode[map[string]any](t, resp)
	if st["is_locked"] != true {
		t.Fatalf("unexpected lockout status: %v", st)
	}

	resp = api.get("/v1/auth/lockout/ghost", nil, "")
	expectStatus(t, resp, http.StatusNotFound)
	_ = resp.Body.Close()
}

func TestLoginValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/login", map[string]any{"username": "root"}, "")
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[map[string]any](t, resp)
	if body["field"] != "password" || body["request_id"] == nil {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = api.post("/v1/auth/login", map[string]any{"username": "root", "extra": 1}, "")
	expectStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()
}

func TestAdminManagesUsers(t *testing.T) {
	api := newTestAPI(t)
	token := api.login("root", testPassword).AccessToken

	created := api.createUser(token, "bob", "operator")
	if created["employee_id"] != "OP_01" || created["authorization_level"] != float64(3) {
		t.Fatalf("unexpected create response: %v", created)
	}
	resp := api.post("/v1/admin/users", map[string]any{
		"username": "bob", "password": testPassword, "role": "operator",
	}, token)
	expectStatus(t, resp, http.StatusConflict)
	_ = resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/admin/users/bob/role", map[string]any{"role": "personnel"}, token)
	expectStatus(t, resp, http.StatusOK)
	changed := decode[map[string]any](t, resp)
	if changed["role"] != "personnel" || changed["employee_id"] != "PER_01" {
		t.Fatalf("unexpected role change: %v", changed)
	}

	resp = api.do(http.MethodPut, "/v1/admin/users/bob/level", map[string]any{"authorization_level": 9}, token)
	expectStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/admin/users/bob/level", map[string]any{"authorization_level": 4}, token)
	expectStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	resp = api.get("/v1/admin/employees/PER_01", nil, token)
	expectStatus(t, resp, http.StatusOK)
	profile := decode[map[string]any](t, resp)
	if profile["identity"].(map[string]any)["authorization_level"] != float64(4) {
		t.Fatalf("unexpected profile: %v", profile)
	}

	resp = api.get("/v1/admin/users", nil, token)
	expectStatus(t, resp, http.StatusOK)
	list := decode[map[string][]map[string]any](t, resp)
	if len(list["items"]) != 2 {
		t.Fatalf("expected 2 users, got %v", list)
	}

	resp = api.get("/v1/admin/actions", url.Values{"limit": {"10"}}, token)
	expectStatus(t, resp, http.StatusOK)
	actions := decode[map[string][]map[string]any](t, resp)
	if len(actions["items"]) == 0 {
		t.Fatal("expected admin actions")
	}

	resp = api.do(http.MethodDelete, "/v1/admin/users/root", nil, token)
	expectStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/admin/users/bob", nil, token)
	expectStatus(t, resp, http.StatusNoContent)
	_ = resp.Body.Close()

	resp = api.get("/v1/admin/employees/PER_01", nil, token)
	expectStatus(t, resp, http.StatusNotFound)
	_ = resp.Body.Close()
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	api := newTestAPI(t)
	root := api.login("root", testPassword).AccessToken
	api.createUser(root, "carol", "personnel")
	token := api.login("carol", testPassword).AccessToken

	resp := api.get("/v1/admin/users", nil, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	_ = resp.Body.Close()

	resp = api.get("/v1/admin/users", nil, token)
	expectStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()

	resp = api.get("/v1/team", nil, token)
	expectStatus(t, resp, http.StatusOK)
	team := decode[map[string]any](t, resp)
	if team["operator_count"] != float64(0) {
		t.Fatalf("unexpected team view: %v", team)
	}

	resp = api.get("/v1/users/me", nil, "not-a-token")
	expectStatus(t, resp, http.StatusUnauthorized)
	_ = resp.Body.Close()
}

func TestPasswordResetAndUnlock(t *testing.T) {
	api := newTestAPI(t)
	token := api.login("root", testPassword).AccessToken
	api.createUser(token, "dave", "user")

	resp := api.post("/v1/admin/users/dave/password", map[string]any{
		"new_password": "N3w!passw0rd", "confirm_password": "different",
	}, token)
	expectStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()

	resp = api.post("/v1/admin/users/dave/password", nil, token)
	expectStatus(t, resp, http.StatusOK)
	reset := decode[map[string]any](t, resp)
	temp, _ := reset["temporary_password"].(string)
	if temp == "" {
		t.Fatalf("expected temporary password: %v", reset)
	}

	for i := 0; i < 3; i++ {
		r := api.post("/v1/auth/login", map[string]any{"username": "dave", "password": "Wr0ng!pass"}, "")
		_ = r.Body.Close()
	}
	resp = api.post("/v1/admin/users/dave/unlock", nil, token)
	expectStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	api.login("dave", temp)
}

func TestSyncAndCompact(t *testing.T) {
	api := newTestAPI(t)
	token := api.login("root", testPassword).AccessToken

	resp := api.post("/v1/admin/sync", nil, token)
	expectStatus(t, resp, http.StatusOK)
	res := decode[map[string]any](t, resp)
	if res["synced"] != float64(1) || res["failed"] != float64(0) {
		t.Fatalf("unexpected sync result: %v", res)
	}

	resp = api.post("/v1/admin/compact/"+auth.TableLoginAttempts, nil, token)
	expectStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	resp = api.post("/v1/admin/compact/secrets", nil, token)
	expectStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()
}

func TestStatusForTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&auth.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest},
		{&auth.CredentialError{Username: "a"}, http.StatusUnauthorized},
		{&auth.LockedError{Username: "a"}, http.StatusLocked},
		{auth.ErrTokenExpired, http.StatusUnauthorized},
		{auth.ErrForbidden, http.StatusForbidden},
		{auth.ErrNotFound, http.StatusNotFound},
		{auth.ErrAlreadyExists, http.StatusConflict},
		{&auth.SyncError{Username: "a", Op: "x", Err: auth.ErrUnavailable}, http.StatusMultiStatus},
		{auth.ErrUnavailable, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
