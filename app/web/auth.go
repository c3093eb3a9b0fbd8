package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"

	"github.com/umputun/quickblog/app/web/persistence"
	"github.com/umputun/quickblog/app/web/session"
)

type ctxKey int

const (
	sessionCtxKey ctxKey = iota
	userCtxKey
)

// session key of the logged-in blog user id
const userIDKey = "user_id"

// sessionMiddleware loads the session and the logged-in user, if any, into the request context
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := s.sessions.Load(r)
		ctx := context.WithValue(r.Context(), sessionCtxKey, sess)

		if v, ok := sess.Get(userIDKey); ok {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				log.Printf("[WARN] invalid user id %q in session", v)
			} else if user, err := s.store.GetUserByID(id); err == nil {
				ctx = context.WithValue(ctx, userCtxKey, &user)
			} else if !errors.Is(err, persistence.ErrNotFound) {
				log.Printf("[WARN] failed to load user %d: %v", id, err)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loginRequired redirects anonymous users to the login page
func (s *Server) loginRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == nil {
			s.redirect(w, r, "auth_login")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// session returns the session loaded by sessionMiddleware, or loads it if the middleware wasn't applied
func (s *Server) session(r *http.Request) *session.Session {
	if sess, ok := r.Context().Value(sessionCtxKey).(*session.Session); ok {
		return sess
	}
	return s.sessions.Load(r)
}

// saveSession writes the session cookie if the session was changed
func (s *Server) saveSession(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if !sess.Modified() {
		return
	}
	if err := s.sessions.Save(w, r, sess); err != nil {
		log.Printf("[ERROR] failed to save session: %v", err)
	}
}

// currentUser returns the logged-in blog user, nil for anonymous requests
func currentUser(r *http.Request) *persistence.User {
	u, _ := r.Context().Value(userCtxKey).(*persistence.User)
	return u
}

func (s *Server) handleRegisterForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "auth_register.html", TemplateData{})
}

// handleRegister makes a new user and sends the client to the login page
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	username, password := strings.TrimSpace(r.FormValue("username")), r.FormValue("password")
	sess := s.session(r)

	var msg string
	switch {
	case username == "":
		msg = "Username is required."
	case password == "":
		msg = "Password is required."
	}
	if msg != "" {
		sess.Flash(msg)
		s.render(w, r, http.StatusBadRequest, "auth_register.html", TemplateData{Name: username})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("[ERROR] failed to hash password: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if _, err := s.store.CreateUser(username, string(hash)); err != nil {
		if errors.Is(err, persistence.ErrUserExists) {
			sess.Flash("User " + username + " is already registered.")
			s.render(w, r, http.StatusBadRequest, "auth_register.html", TemplateData{Name: username})
			return
		}
		log.Printf("[ERROR] failed to create user %s: %v", username, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	log.Printf("[INFO] user %s registered", username)
	s.notifyRegistration(r.Context(), username)
	s.redirect(w, r, "auth_login")
}

// notifyRegistration informs the notifier, failures are logged only
func (s *Server) notifyRegistration(ctx context.Context, username string) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.notifier.NotifyRegistration(ctx, username); err != nil {
		log.Printf("[WARN] failed to send registration notification for %s: %v", username, err)
	}
}

func (s *Server) handleAuthLoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "auth_login.html", TemplateData{})
}

// handleAuthLogin checks credentials and stores the user id in a fresh session
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	username, password := strings.TrimSpace(r.FormValue("username")), r.FormValue("password")
	sess := s.session(r)

	user, err := s.store.GetUserByName(username)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		log.Printf("[ERROR] failed to get user %s: %v", username, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var msg string
	switch {
	case err != nil:
		msg = "Incorrect username."
	case bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil:
		msg = "Incorrect password."
	}
	if msg != "" {
		sess.Flash(msg)
		s.render(w, r, http.StatusUnauthorized, "auth_login.html", TemplateData{Name: username})
		return
	}

	sess.Reset()
	sess.Set(userIDKey, strconv.FormatInt(user.ID, 10))
	log.Printf("[DEBUG] user %s logged in", user.Username)
	s.redirect(w, r, "blog_index")
}

// handleAuthLogout clears the whole session
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	s.session(r).Reset()
	s.redirect(w, r, "blog_index")
}
