package web

import (
	"errors"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/umputun/quickblog/app/sysinfo"
	"github.com/umputun/quickblog/app/web/persistence"
)

// APIMeResponse is the JSON response for /api/v1/me
type APIMeResponse struct {
	Username string `json:"username"`
	Theme    string `json:"theme"`
	Image    string `json:"image"`
}

// APIUser represents a user in JSON API response, without password hash
type APIUser struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Version   string             `json:"version"`
	StartedAt time.Time          `json:"started_at"`
	Uptime    string             `json:"uptime"`
	Counts    persistence.Counts `json:"counts"`
	Host      sysinfo.Info       `json:"host"`
	Timestamp time.Time          `json:"timestamp"`
}

// handleAPIMe returns the logged-in user, 401 for anonymous requests
func (s *Server) handleAPIMe(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user == nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusUnauthorized, errors.New("no user in session"), "not logged in")
		return
	}

	image, err := s.URLFor("static", "filename", "avatar.svg")
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "can't make image url")
		return
	}
	rest.RenderJSON(w, APIMeResponse{Username: user.Username, Theme: s.getTheme(r).String(), Image: image})
}

// handleAPIUsers returns all registered users
func (s *Server) handleAPIUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to load users")
		return
	}
	res := make([]APIUser, 0, len(users))
	for _, u := range users {
		res = append(res, APIUser{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt})
	}
	rest.RenderJSON(w, res)
}

// handleAPIStatus returns version, uptime, record counts and host metrics
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts()
	if err != nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusInternalServerError, err, "failed to count records")
		return
	}
	rest.RenderJSON(w, APIStatusResponse{
		Version:   s.version,
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Counts:    counts,
		Host:      sysinfo.Collect(s.cfg.InstancePath),
		Timestamp: time.Now(),
	})
}
