package web

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// session demo keeps the plain username, separately from the blog login
const sessionUsernameKey = "username"

const (
	usernameCookie = "username"
	themeCookie    = "theme"
)

func (s *Server) handleSessionIndex(w http.ResponseWriter, r *http.Request) {
	if username, ok := s.session(r).Get(sessionUsernameKey); ok {
		s.text(w, http.StatusOK, "Logged in as "+template.HTMLEscapeString(username))
		return
	}
	s.text(w, http.StatusOK, "You are not logged in")
}

func (s *Server) handleSessionLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "session_login.html", TemplateData{})
}

func (s *Server) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.FormValue("username"))
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	s.session(r).Set(sessionUsernameKey, username)
	s.redirect(w, r, "session_index")
}

func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	s.session(r).Delete(sessionUsernameKey)
	s.redirect(w, r, "session_index")
}

// handleCookie shows the username from the plain, not signed, cookie
func (s *Server) handleCookie(w http.ResponseWriter, r *http.Request) {
	data := TemplateData{}
	if c, err := r.Cookie(usernameCookie); err == nil {
		name, err := url.QueryUnescape(c.Value)
		if err != nil {
			log.Printf("[DEBUG] undecodable username cookie %q: %v", c.Value, err)
			name = c.Value
		}
		data.Name = name
	}
	s.render(w, r, http.StatusOK, "cookie.html", data)
}

// handleSetCookie stores username from the form in the cookie, empty username removes it.
// The value is query-escaped as cookie values allow ascii only.
func (s *Server) handleSetCookie(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.FormValue("username"))
	c := &http.Cookie{
		Name:     usernameCookie,
		Value:    url.QueryEscape(username),
		Path:     cookiePath(s.baseURL),
		MaxAge:   30 * 24 * 60 * 60, // 30 days
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if username == "" {
		c.MaxAge = -1
	}
	http.SetCookie(w, c)
	s.redirect(w, r, "cookie")
}

// handleThemeToggle switches to the next theme, remembered in the cookie and, for logged-in
// users, in the user record
func (s *Server) handleThemeToggle(w http.ResponseWriter, r *http.Request) {
	next := s.getTheme(r).Next()

	if u := currentUser(r); u != nil {
		if err := s.store.SetUserTheme(u.ID, next); err != nil {
			log.Printf("[WARN] failed to save theme for %s: %v", u.Username, err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     themeCookie,
		Value:    next.String(),
		Path:     cookiePath(s.baseURL),
		MaxAge:   365 * 24 * 60 * 60, // 1 year
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.redirect(w, r, "blog_index")
}
