package web

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/umputun/quickblog/app/config"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyRegistration(ctx context.Context, username string) error {
	args := m.Called(ctx, username)
	return args.Error(0)
}

// register and login the user, the client keeps the session cookie
func registerAndLogin(t *testing.T, c *testClient, username, password string) {
	t.Helper()
	code, _, _ := c.postForm("/auth/register", url.Values{"username": {username}, "password": {password}})
	require.Equal(t, http.StatusSeeOther, code)
	code, _, _ = c.postForm("/auth/login", url.Values{"username": {username}, "password": {password}})
	require.Equal(t, http.StatusSeeOther, code)
}

func TestServer_Register(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)

	code, body, _ := c.get("/auth/register")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `action="/auth/register"`)

	code, _, location := c.postForm("/auth/register", url.Values{"username": {"a"}, "password": {"a"}})
	assert.Equal(t, http.StatusSeeOther, code)
	assert.Equal(t, "/auth/login", location)

	user, err := srv.store.GetUserByName("a")
	require.NoError(t, err)
	assert.NotEqual(t, "a", user.PasswordHash, "password stored hashed")

	tests := []struct {
		name     string
		username string
		password string
		message  string
	}{
		{name: "empty username", username: "", password: "", message: "Username is required."},
		{name: "empty password", username: "b", password: "", message: "Password is required."},
		{name: "already registered", username: "a", password: "a", message: "User a is already registered."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body, _ := c.postForm("/auth/register", url.Values{"username": {tt.username}, "password": {tt.password}})
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, body, tt.message)
		})
	}

	t.Run("flash shown once", func(t *testing.T) {
		_, body, _ := c.get("/auth/register")
		assert.NotContains(t, body, "is already registered")
	})
}

func TestServer_RegisterNotification(t *testing.T) {
	cfg, err := config.Load(t.TempDir(), map[string]any{"secret_key": "test"})
	require.NoError(t, err)

	notifier := &mockNotifier{}
	notifier.On("NotifyRegistration", mock.Anything, "john").Return(nil).Once()
	notifier.On("NotifyRegistration", mock.Anything, "ann").Return(errors.New("webhook failed")).Once()

	srv, err := New(Config{App: cfg, Notifier: notifier})
	require.NoError(t, err)
	defer srv.Close()
	c := newTestClient(t, srv)

	code, _, _ := c.postForm("/auth/register", url.Values{"username": {"john"}, "password": {"pass"}})
	assert.Equal(t, http.StatusSeeOther, code)

	code, _, _ = c.postForm("/auth/register", url.Values{"username": {"ann"}, "password": {"pass"}})
	assert.Equal(t, http.StatusSeeOther, code, "notification failure doesn't fail registration")

	code, _, _ = c.postForm("/auth/register", url.Values{"username": {"john"}, "password": {"pass"}})
	assert.Equal(t, http.StatusBadRequest, code)

	notifier.AssertExpectations(t)
	notifier.AssertNumberOfCalls(t, "NotifyRegistration", 2)
}

func TestServer_Login(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)

	code, _, _ := c.postForm("/auth/register", url.Values{"username": {"test"}, "password": {"test"}})
	require.Equal(t, http.StatusSeeOther, code)

	code, body, _ := c.get("/auth/login")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `action="/auth/login"`)

	t.Run("incorrect username", func(t *testing.T) {
		code, body, _ := c.postForm("/auth/login", url.Values{"username": {"a"}, "password": {"test"}})
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Contains(t, body, "Incorrect username.")
	})

	t.Run("incorrect password", func(t *testing.T) {
		code, body, _ := c.postForm("/auth/login", url.Values{"username": {"test"}, "password": {"a"}})
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Contains(t, body, "Incorrect password.")
	})

	t.Run("success", func(t *testing.T) {
		code, _, location := c.postForm("/auth/login", url.Values{"username": {"test"}, "password": {"test"}})
		assert.Equal(t, http.StatusSeeOther, code)
		assert.Equal(t, "/blog/", location)

		_, body, _ := c.get("/blog/")
		assert.Contains(t, body, "<span>test</span>")
		assert.Contains(t, body, "Log Out")

		code, body, _ = c.get("/api/v1/me")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, `"username":"test"`)
	})

	t.Run("logout", func(t *testing.T) {
		code, _, location := c.get("/auth/logout")
		assert.Equal(t, http.StatusSeeOther, code)
		assert.Equal(t, "/blog/", location)

		_, body, _ := c.get("/blog/")
		assert.NotContains(t, body, "Log Out")
		assert.Contains(t, body, "Log In")

		code, _, _ = c.get("/api/v1/me")
		assert.Equal(t, http.StatusUnauthorized, code)
	})
}

func TestServer_LoginRateLimit(t *testing.T) {
	cfg, err := config.Load(t.TempDir(), map[string]any{"secret_key": "test"})
	require.NoError(t, err)
	srv, err := New(Config{App: cfg, LoginRateLimit: 1})
	require.NoError(t, err)
	defer srv.Close()
	c := newTestClient(t, srv)

	var limited bool
	for range 5 {
		code, _, _ := c.postForm("/auth/login", url.Values{"username": {"nobody"}, "password": {"x"}})
		if code == http.StatusTooManyRequests {
			limited = true
			break
		}
		assert.Equal(t, http.StatusUnauthorized, code)
	}
	assert.True(t, limited, "login attempts are rate limited")

	code, _, _ := c.get("/auth/login")
	assert.Equal(t, http.StatusOK, code, "login form is not limited")
}

func TestServer_SessionForDeletedUser(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)
	registerAndLogin(t, c, "gone", "pass")

	require.NoError(t, resetStore(srv))

	code, body, _ := c.get("/blog/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "Log In", "user missing in the store treated as anonymous")

	code, _, location := c.get("/blog/create")
	assert.Equal(t, http.StatusSeeOther, code)
	assert.Equal(t, "/auth/login", location)
}

func resetStore(srv *Server) error {
	r, ok := srv.store.(interface{ Reset() error })
	if !ok {
		return errors.New("store can't be reset")
	}
	return r.Reset()
}
