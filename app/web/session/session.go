// Package session implements client-side sessions stored in a cookie.
// The cookie value is a paseto v4.local token, encrypted and authenticated with a key derived
// from the application secret, so the client can neither read nor alter session values.
package session

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"sort"
	"time"

	"aidanwoods.dev/go-paseto"
	log "github.com/go-pkgz/lgr"
)

// DefaultCookieName is used if Params.CookieName is empty
const DefaultCookieName = "session"

// domain separation for session tokens, changing it invalidates all issued sessions
const implicit = "quickblog session v1"

const (
	valuesClaim  = "values"
	flashesClaim = "flashes"
)

// Params for NewManager
type Params struct {
	SecretKey  string
	TTL        time.Duration
	CookieName string
	Path       string // cookie path, "/" if empty
}

// Manager loads and saves sessions
type Manager struct {
	key    paseto.V4SymmetricKey
	parser paseto.Parser
	ttl    time.Duration
	name   string
	path   string
}

// NewManager makes session manager for the given secret
func NewManager(p Params) (*Manager, error) {
	if p.SecretKey == "" {
		return nil, fmt.Errorf("secret key is required for sessions")
	}
	sum := sha256.Sum256([]byte(p.SecretKey))
	key, err := paseto.V4SymmetricKeyFromBytes(sum[:])
	if err != nil {
		return nil, fmt.Errorf("failed to make session key: %w", err)
	}

	res := &Manager{
		key:    key,
		parser: paseto.MakeParser([]paseto.Rule{paseto.NotExpired()}),
		ttl:    p.TTL,
		name:   p.CookieName,
		path:   p.Path,
	}
	if res.ttl <= 0 {
		res.ttl = 24 * time.Hour
	}
	if res.name == "" {
		res.name = DefaultCookieName
	}
	if res.path == "" {
		res.path = "/"
	}
	return res, nil
}

// Load returns session from the request cookie. Missing, expired or tampered cookie
// gives an empty session, never nil.
func (m *Manager) Load(r *http.Request) *Session {
	sess := &Session{values: map[string]string{}}
	cookie, err := r.Cookie(m.name)
	if err != nil || cookie.Value == "" {
		return sess
	}

	token, err := m.parser.ParseV4Local(m.key, cookie.Value, []byte(implicit))
	if err != nil {
		log.Printf("[DEBUG] rejected session cookie from %s: %v", r.RemoteAddr, err)
		return sess
	}
	if err := token.Get(valuesClaim, &sess.values); err != nil || sess.values == nil {
		sess.values = map[string]string{}
	}
	if err := token.Get(flashesClaim, &sess.flashes); err != nil {
		sess.flashes = nil
	}
	return sess
}

// Save writes session cookie. Empty session removes the cookie.
func (m *Manager) Save(w http.ResponseWriter, r *http.Request, s *Session) error {
	if s.empty() {
		m.Clear(w, r)
		s.modified = false
		return nil
	}

	now := time.Now()
	token := paseto.NewToken()
	token.SetIssuedAt(now)
	token.SetExpiration(now.Add(m.ttl))
	if err := token.Set(valuesClaim, s.values); err != nil {
		return fmt.Errorf("failed to set session values: %w", err)
	}
	if len(s.flashes) > 0 {
		if err := token.Set(flashesClaim, s.flashes); err != nil {
			return fmt.Errorf("failed to set session flashes: %w", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    token.V4Encrypt(m.key, []byte(implicit)),
		Path:     m.path,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isSecure(r),
	})
	s.modified = false
	return nil
}

// Clear removes session cookie
func (m *Manager) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     m.path,
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   isSecure(r),
	})
}

// CookieName returns name of the session cookie
func (m *Manager) CookieName() string { return m.name }

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

// Session keeps string values and pending flash messages of a single client.
// Not safe for concurrent use, it belongs to one request.
type Session struct {
	values   map[string]string
	flashes  []string
	modified bool
}

// Get returns value for the key
func (s *Session) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has checks if key is set
func (s *Session) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Set stores value for the key
func (s *Session) Set(key, value string) {
	if cur, ok := s.values[key]; ok && cur == value {
		return
	}
	s.values[key] = value
	s.modified = true
}

// Delete removes key, no-op if the key is missing
func (s *Session) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.modified = true
}

// Reset removes all values and flashes
func (s *Session) Reset() {
	if s.empty() {
		return
	}
	s.values = map[string]string{}
	s.flashes = nil
	s.modified = true
}

// Keys returns sorted keys
func (s *Session) Keys() []string {
	res := make([]string, 0, len(s.values))
	for k := range s.values {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// Flash adds a message shown on the next rendered page
func (s *Session) Flash(msg string) {
	s.flashes = append(s.flashes, msg)
	s.modified = true
}

// Flashes returns pending flash messages and removes them from the session
func (s *Session) Flashes() []string {
	if len(s.flashes) == 0 {
		return nil
	}
	res := s.flashes
	s.flashes = nil
	s.modified = true
	return res
}

// Modified reports whether session changed since load or last save
func (s *Session) Modified() bool { return s.modified }

func (s *Session) empty() bool {
	return len(s.values) == 0 && len(s.flashes) == 0
}
