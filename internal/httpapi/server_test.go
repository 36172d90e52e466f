// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authd/internal/auth"
	"github.com/holomush/authd/internal/auth/basicauth"
	"github.com/holomush/authd/internal/auth/memory"
	"github.com/holomush/authd/internal/httpapi"
)

// plainHasher keeps tests fast; argon2id is covered in the auth package.
type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) {
	if p == "" {
		return "", auth.ErrEmptyPassword
	}
	return "plain:" + p, nil
}

func (plainHasher) Verify(p, h string) (bool, error) {
	rest, ok := strings.CutPrefix(h, "plain:")
	if !ok {
		return false, nil
	}
	return rest == p, nil
}

func (plainHasher) NeedsUpgrade(string) bool { return false }

type observedRequest struct {
	method, route string
	status        int
}

type recordingObserver struct {
	mu   sync.Mutex
	seen []observedRequest
}

func (o *recordingObserver) ObserveRequest(method, route string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observedRequest{method, route, status})
}

type fixture struct {
	handler  http.Handler
	store    *memory.Store
	observer *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.New())
}

func newFixtureWithStore(t *testing.T, store auth.AccountStore) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, store, httpapi.Config{})
}

func newFixtureWithConfig(t *testing.T, store auth.AccountStore, cfg httpapi.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	svc, err := auth.NewService(store, plainHasher{}, auth.NewUUIDTokenGenerator(), auth.WithLogger(logger))
	require.NoError(t, err)
	basic, err := basicauth.NewAuthenticator(store, plainHasher{}, basicauth.WithLogger(logger))
	require.NoError(t, err)

	observer := &recordingObserver{}
	srv, err := httpapi.New(svc, basic, cfg,
		httpapi.WithLogger(logger),
		httpapi.WithRequestObserver(observer))
	require.NoError(t, err)

	mem, _ := store.(*memory.Store)
	return &fixture{handler: srv.Handler(), store: mem, observer: observer}
}

type response struct {
	status  int
	body    map[string]any
	cookies []*http.Cookie
	header  http.Header
}

func (f *fixture) do(t *testing.T, method, path string, form url.Values, mutate ...func(*http.Request)) response {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, m := range mutate {
		m(req)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	res := response{status: rec.Code, cookies: rec.Result().Cookies(), header: rec.Header()}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res.body))
	}
	return res
}

func withCookie(name, value string) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: name, Value: value}) }
}

func withBasic(email, password string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(email+":"+password)))
	}
}

func creds(email, password string) url.Values {
	return url.Values{"email": {email}, "password": {password}}
}

func sessionCookie(t *testing.T, res response) string {
	t.Helper()
	for _, c := range res.cookies {
		if c.Name == "session_id" {
			return c.Value
		}
	}
	t.Fatalf("no session_id cookie in response")
	return ""
}

func TestNew_NilDependencies(t *testing.T) {
	_, err := httpapi.New(nil, nil, httpapi.Config{})
	require.Error(t, err)
}

func TestIndex(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "Bienvenue", res.body["message"])
	assert.NotEmpty(t, res.header.Get("X-Request-ID"))
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/users", creds("a@example.com", "pw1"))
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, map[string]any{"email": "a@example.com", "message": "user created"}, res.body)

	res = f.do(t, http.MethodPost, "/users", creds("a@example.com", "other"))
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, map[string]any{"message": "email already registered"}, res.body)
	assert.Equal(t, 1, f.store.Len())
}

func TestRegister_MissingFields(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/users", url.Values{"email": {"a@example.com"}})
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, "Bad request", res.body["error"])

	res = f.do(t, http.MethodPost, "/users", nil)
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, 0, f.store.Len())
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/users", creds("a@example.com", "pw1"))

	res := f.do(t, http.MethodPost, "/sessions", creds("a@example.com", "pw1"))
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, map[string]any{"email": "a@example.com", "message": "logged in"}, res.body)
	assert.NotEmpty(t, sessionCookie(t, res))

	res = f.do(t, http.MethodPost, "/sessions", creds("a@example.com", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, res.status)
	assert.Equal(t, "Unauthorized", res.body["error"])

	res = f.do(t, http.MethodPost, "/sessions", creds("nobody@example.com", "pw1"))
	assert.Equal(t, http.StatusUnauthorized, res.status)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodPost, "/users", creds("a@example.com", "pw1"))
	require.Equal(t, http.StatusOK, res.status)

	res = f.do(t, http.MethodPost, "/sessions", creds("a@example.com", "pw1"))
	require.Equal(t, http.StatusOK, res.status)
	token := sessionCookie(t, res)

	res = f.do(t, http.MethodGet, "/profile", nil, withCookie("session_id", token))
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, map[string]any{"email": "a@example.com"}, res.body)

	res = f.do(t, http.MethodDelete, "/sessions", nil, withCookie("session_id", token))
	assert.Equal(t, http.StatusFound, res.status)
	assert.Equal(t, "/", res.header.Get("Location"))

	res = f.do(t, http.MethodGet, "/profile", nil, withCookie("session_id", token))
	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, "Forbidden", res.body["error"])

	res = f.do(t, http.MethodDelete, "/sessions", nil, withCookie("session_id", token))
	assert.Equal(t, http.StatusForbidden, res.status)
}

func TestProfile_NoCookie(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/profile", nil)
	assert.Equal(t, http.StatusForbidden, res.status)
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/users", creds("a@example.com", "pw1"))

	res := f.do(t, http.MethodPost, "/reset_password", url.Values{"email": {"nobody@example.com"}})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = f.do(t, http.MethodPost, "/reset_password", url.Values{"email": {"a@example.com"}})
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "a@example.com", res.body["email"])
	token, _ := res.body["reset_token"].(string)
	require.NotEmpty(t, token)

	update := url.Values{"email": {"a@example.com"}, "reset_token": {token}, "new_password": {"pw2"}}
	res = f.do(t, http.MethodPut, "/reset_password", update)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, map[string]any{"email": "a@example.com", "message": "Password updated"}, res.body)

	res = f.do(t, http.MethodPut, "/reset_password", update)
	assert.Equal(t, http.StatusForbidden, res.status, "reset token is single use")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/sessions", creds("a@example.com", "pw1")).status)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/sessions", creds("a@example.com", "pw2")).status)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "Not found", res.body["error"])
}

func TestBasicAuthAPI(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/users", creds("a@example.com", "pw1"))

	tests := []struct {
		name   string
		path   string
		mutate []func(*http.Request)
		status int
		body   map[string]any
	}{
		{"status is public", "/api/v1/status", nil, http.StatusOK, map[string]any{"status": "OK"}},
		{"status with trailing slash", "/api/v1/status/", nil, http.StatusOK, map[string]any{"status": "OK"}},
		{"unauthorized route", "/api/v1/unauthorized", nil, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"}},
		{"forbidden route", "/api/v1/forbidden", nil, http.StatusForbidden, map[string]any{"error": "Forbidden"}},
		{"me without header", "/api/v1/users/me", nil, http.StatusUnauthorized, map[string]any{"error": "Unauthorized"}},
		{
			"me with wrong scheme", "/api/v1/users/me",
			[]func(*http.Request){func(r *http.Request) { r.Header.Set("Authorization", "Bearer xyz") }},
			http.StatusForbidden, map[string]any{"error": "Forbidden"},
		},
		{
			"me with wrong password", "/api/v1/users/me",
			[]func(*http.Request){withBasic("a@example.com", "nope")},
			http.StatusForbidden, map[string]any{"error": "Forbidden"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.do(t, http.MethodGet, tt.path, nil, tt.mutate...)
			assert.Equal(t, tt.status, res.status)
			assert.Equal(t, tt.body, res.body)
		})
	}

	t.Run("me with valid credentials", func(t *testing.T) {
		account, err := f.store.FindBy(context.Background(), auth.ByEmail("a@example.com"))
		require.NoError(t, err)

		res := f.do(t, http.MethodGet, "/api/v1/users/me", nil, withBasic("a@example.com", "pw1"))
		require.Equal(t, http.StatusOK, res.status)
		assert.Equal(t, map[string]any{"id": account.ID.String(), "email": "a@example.com"}, res.body)
	})
}

func TestBasicAuthAPI_ExcludedPaths(t *testing.T) {
	tests := []struct {
		name     string
		excluded []string
		status   int
	}{
		{"defaults when unset", nil, http.StatusOK},
		{"empty list guards status", []string{}, http.StatusUnauthorized},
		{"custom list", []string{"/api/v1/users/"}, http.StatusUnauthorized},
		{"status listed", []string{"/api/v1/status"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixtureWithConfig(t, memory.New(), httpapi.Config{ExcludedPaths: tt.excluded})
			assert.Equal(t, tt.status, f.do(t, http.MethodGet, "/api/v1/status", nil).status)
		})
	}

	t.Run("excluded route skips the guard", func(t *testing.T) {
		f := newFixtureWithConfig(t, memory.New(), httpapi.Config{ExcludedPaths: []string{"/api/v1/users/me"}})
		// No account is attached, so the handler itself answers 403.
		assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/v1/users/me", nil).status)
	})
}

func TestBasicAuthAPI_CORS(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/api/v1/status", nil, func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example.com")
	})
	assert.Equal(t, "*", res.header.Get("Access-Control-Allow-Origin"))

	res = f.do(t, http.MethodGet, "/", nil, func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example.com")
	})
	assert.Empty(t, res.header.Get("Access-Control-Allow-Origin"), "CORS is scoped to /api/v1")
}

// unavailableStore fails every call as if the backend were unreachable.
type unavailableStore struct{ auth.AccountStore }

func (unavailableStore) FindBy(context.Context, ...auth.Filter) (*auth.Account, error) {
	return nil, oops.Code("STORE_UNAVAILABLE").Wrap(auth.ErrStoreUnavailable)
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixtureWithStore(t, unavailableStore{})

	res := f.do(t, http.MethodPost, "/users", creds("a@example.com", "pw1"))
	assert.Equal(t, http.StatusServiceUnavailable, res.status)
	assert.Equal(t, "Service unavailable", res.body["error"])

	res = f.do(t, http.MethodGet, "/profile", nil, withCookie("session_id", "tok"))
	assert.Equal(t, http.StatusServiceUnavailable, res.status)
}

func TestRequestObserver(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/", nil)
	f.do(t, http.MethodGet, "/profile", nil)

	f.observer.mu.Lock()
	defer f.observer.mu.Unlock()
	require.Len(t, f.observer.seen, 2)
	assert.Equal(t, observedRequest{http.MethodGet, "/", http.StatusOK}, f.observer.seen[0])
	assert.Equal(t, observedRequest{http.MethodGet, "/profile", http.StatusForbidden}, f.observer.seen[1])
}

func TestStartStop(t *testing.T) {
	svc, err := auth.NewService(memory.New(), plainHasher{}, auth.NewUUIDTokenGenerator())
	require.NoError(t, err)
	basic, err := basicauth.NewAuthenticator(memory.New(), plainHasher{})
	require.NoError(t, err)

	srv, err := httpapi.New(svc, basic, httpapi.Config{Addr: "127.0.0.1:0"},
		httpapi.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	errCh, err := srv.Start()
	require.NoError(t, err)
	_, err = srv.Start()
	require.Error(t, err, "second start")

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()), "stop is idempotent")

	select {
	case err, ok := <-errCh:
		if ok {
			t.Fatalf("unexpected serve error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRequestID_Propagated(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/", nil, func(r *http.Request) {
		r.Header.Set("X-Request-ID", "req-123")
	})
	assert.Equal(t, "req-123", res.header.Get("X-Request-ID"))
}
