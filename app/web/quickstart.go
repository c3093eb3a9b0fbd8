package web

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/quickblog/app/web/urls"
)

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.text(w, http.StatusOK, "Index Page")
}

func (s *Server) handleLogin(w http.ResponseWriter, _ *http.Request) {
	s.text(w, http.StatusOK, "login")
}

// handleUserProfile shows the user profile, username is escaped as it goes to html as is
func (s *Server) handleUserProfile(w http.ResponseWriter, _ *http.Request, vals urls.Values) {
	s.text(w, http.StatusOK, fmt.Sprintf("User %s's profile!", template.HTMLEscapeString(vals.String("username"))))
}

// handleShowPost shows the post with the given id, the id is an integer
func (s *Server) handleShowPost(w http.ResponseWriter, _ *http.Request, vals urls.Values) {
	s.text(w, http.StatusOK, fmt.Sprintf("Post%d", vals.Int("post_id")))
}

// handleShowSubpath shows the subpath after /path/
func (s *Server) handleShowSubpath(w http.ResponseWriter, _ *http.Request, vals urls.Values) {
	s.text(w, http.StatusOK, "Subpath "+template.HTMLEscapeString(vals.String("subpath")))
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "hello.html", TemplateData{})
}

func (s *Server) handleHelloName(w http.ResponseWriter, r *http.Request, vals urls.Values) {
	s.render(w, r, http.StatusOK, "hello.html", TemplateData{Name: vals.String("name")})
}

// urlExample is endpoint with params for the url building demo
type urlExample struct {
	endpoint string
	kv       []any
}

var urlExamples = []urlExample{
	{endpoint: "index"},
	{endpoint: "login"},
	{endpoint: "login", kv: []any{"next", "/"}},
	{endpoint: "show_user_profile", kv: []any{"username", "John Doe"}},
	{endpoint: "show_user_profile", kv: []any{"username", "John", "lastname", "Doe"}},
	{endpoint: "show_post", kv: []any{"post_id", 10}},
	{endpoint: "show_subpath", kv: []any{"subpath", "a/b/c"}},
	{endpoint: "hello"},
	{endpoint: "hello", kv: []any{"name", "World"}},
	{endpoint: "static", kv: []any{"filename", "style.css"}},
}

// handleURLExamples lists urls built for the demo endpoints, one per line
func (s *Server) handleURLExamples(w http.ResponseWriter, _ *http.Request) {
	var sb strings.Builder
	for _, ex := range urlExamples {
		u, err := s.URLFor(ex.endpoint, ex.kv...)
		if err != nil {
			log.Printf("[WARN] can't build url for %s: %v", ex.endpoint, err)
			u = "error: " + err.Error()
		}
		fmt.Fprintf(&sb, "%s%s -> %s\n", ex.endpoint, formatKV(ex.kv), u)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(sb.String())); err != nil {
		log.Printf("[WARN] failed to write response: %v", err)
	}
}

func formatKV(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, fmt.Sprintf("%v=%q", kv[i], fmt.Sprint(kv[i+1])))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
