package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip saves the session and returns a new request carrying the issued cookie
func roundTrip(t *testing.T, m *Manager, s *Session) (*http.Request, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, m.Save(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), s))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.AddCookie(cookies[0])
	return req, cookies[0]
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(Params{})
	require.Error(t, err)

	m, err := NewManager(Params{SecretKey: "dev"})
	require.NoError(t, err)
	assert.Equal(t, DefaultCookieName, m.CookieName())
	assert.Equal(t, 24*time.Hour, m.ttl)
	assert.Equal(t, "/", m.path)
}

func TestManager_RoundTrip(t *testing.T) {
	m, err := NewManager(Params{SecretKey: "secret", TTL: time.Hour, Path: "/app/"})
	require.NoError(t, err)

	s := m.Load(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.False(t, s.Has("username"))
	s.Set("username", "john")
	s.Flash("welcome")
	assert.True(t, s.Modified())

	req, cookie := roundTrip(t, m, s)
	assert.False(t, s.Modified())
	assert.Equal(t, "session", cookie.Name)
	assert.Equal(t, "/app/", cookie.Path)
	assert.Equal(t, 3600, cookie.MaxAge)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.NotContains(t, cookie.Value, "john", "session content is encrypted")

	loaded := m.Load(req)
	v, ok := loaded.Get("username")
	assert.True(t, ok)
	assert.Equal(t, "john", v)
	assert.Equal(t, []string{"welcome"}, loaded.Flashes())
	assert.Nil(t, loaded.Flashes(), "flashes are popped")
	assert.True(t, loaded.Modified())
}

func TestManager_LoadRejectsBadCookies(t *testing.T) {
	m, err := NewManager(Params{SecretKey: "secret"})
	require.NoError(t, err)
	s := m.Load(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	s.Set("user_id", "1")
	_, cookie := roundTrip(t, m, s)

	t.Run("tampered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value[:len(cookie.Value)-2] + "xx"})
		assert.Empty(t, m.Load(req).Keys())
	})

	t.Run("garbage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: "not-a-token"})
		assert.Empty(t, m.Load(req).Keys())
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewManager(Params{SecretKey: "another"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.AddCookie(cookie)
		assert.Empty(t, other.Load(req).Keys())
	})

	t.Run("expired", func(t *testing.T) {
		short, err := NewManager(Params{SecretKey: "secret", TTL: time.Second})
		require.NoError(t, err)
		s := short.Load(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		s.Set("user_id", "1")
		req, _ := roundTrip(t, short, s)
		time.Sleep(1100 * time.Millisecond)
		assert.Empty(t, short.Load(req).Keys())
	})
}

func TestManager_SaveEmptyClearsCookie(t *testing.T) {
	m, err := NewManager(Params{SecretKey: "secret"})
	require.NoError(t, err)

	s := m.Load(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	s.Set("username", "john")
	s.Delete("username")

	rec := httptest.NewRecorder()
	require.NoError(t, m.Save(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), s))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestManager_SecureCookie(t *testing.T) {
	m, err := NewManager(Params{SecretKey: "secret"})
	require.NoError(t, err)
	s := m.Load(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	s.Set("k", "v")

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	require.NoError(t, m.Save(rec, req, s))
	require.Len(t, rec.Result().Cookies(), 1)
	assert.True(t, rec.Result().Cookies()[0].Secure)
}

func TestSession(t *testing.T) {
	s := &Session{values: map[string]string{}}
	s.Set("a", "1")
	assert.True(t, s.Modified())
	s.modified = false

	s.Set("a", "1")
	assert.False(t, s.Modified(), "same value doesn't modify")
	s.Delete("missing")
	assert.False(t, s.Modified())

	s.Set("b", "2")
	assert.Equal(t, []string{"a", "b"}, s.Keys())

	s.Reset()
	assert.Empty(t, s.Keys())
	assert.True(t, s.Modified())
}
