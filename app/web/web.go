// Package web implements the quickblog http server: the application factory, routes,
// templates and handlers of the quickstart pages and the blog
package web

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/quickblog/app/config"
	"github.com/umputun/quickblog/app/web/enums"
	"github.com/umputun/quickblog/app/web/persistence"
	"github.com/umputun/quickblog/app/web/session"
	"github.com/umputun/quickblog/app/web/urls"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// pages rendered with the base layout
var pages = []string{
	"hello.html", "session_login.html", "cookie.html", "upload.html",
	"auth_register.html", "auth_login.html",
	"blog_index.html", "blog_create.html", "blog_update.html",
}

// Server represents the web server
type Server struct {
	cfg          config.Config
	store        Store
	urls         *urls.Map
	sessions     *session.Manager
	templates    map[string]*template.Template
	notifier     Notifier
	csrf         *http.CrossOriginProtection
	loginLimiter *limiter.Limiter
	baseURL      string // base URL path for reverse proxy (e.g., /blog), empty for root
	version      string
	startedAt    time.Time
	handler      http.Handler
}

// Store defines storage operations used by handlers
type Store interface {
	CreateUser(username, passwordHash string) (persistence.User, error)
	GetUserByName(username string) (persistence.User, error)
	GetUserByID(id int64) (persistence.User, error)
	ListUsers() ([]persistence.User, error)
	SetUserTheme(id int64, theme enums.Theme) error
	CreatePost(authorID int64, title, body string) (int64, error)
	GetPost(id int64) (persistence.Post, error)
	ListPosts() ([]persistence.Post, error)
	UpdatePost(id int64, title, body string) error
	DeletePost(id int64) error
	Counts() (persistence.Counts, error)
	Close() error
}

// Notifier is informed about new registrations
type Notifier interface {
	NotifyRegistration(ctx context.Context, username string) error
}

// Config holds server configuration
type Config struct {
	App            config.Config // application config, made by config.Load
	BaseURL        string        // base URL path for reverse proxy (e.g., /blog), empty for root
	Version        string
	Notifier       Notifier // optional
	LoginRateLimit float64  // login attempts per second per client, 10 if not set
}

// TemplateData holds data for templates
type TemplateData struct {
	Title       string
	User        *persistence.User // logged-in blog user, nil for anonymous
	Flashes     []string
	Theme       enums.Theme
	Version     string
	CurrentYear int

	Name       string // hello and cookie pages
	Posts      []persistence.Post
	Post       persistence.Post // post being edited, or form values on error
	Extensions []string         // allowed upload extensions
	MaxUpload  int64
}

// CreateApp is the application factory. It loads configuration for the instance path,
// from the instance config file or, if test is not nil, from the test mapping, and makes the server.
func CreateApp(instancePath string, test map[string]any) (*Server, error) {
	cfg, err := config.Load(instancePath, test)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return New(Config{App: cfg})
}

// New creates a new web server with its store, session manager, url map and templates
func New(cfg Config) (*Server, error) {
	if cfg.App.DevSecret() {
		log.Printf("[WARN] default secret key is used, set secret_key for production")
	}

	sessions, err := session.NewManager(session.Params{SecretKey: cfg.App.SecretKey, TTL: cfg.App.SessionTTL,
		Path: cookiePath(cfg.BaseURL)})
	if err != nil {
		return nil, fmt.Errorf("web server initialization failed: %w", err)
	}

	if cfg.App.UploadDir != "" {
		if err := os.MkdirAll(cfg.App.UploadDir, 0o750); err != nil {
			return nil, fmt.Errorf("web server initialization failed: failed to make upload dir: %w", err)
		}
	}

	// create persistence store (it initializes itself)
	store, err := persistence.NewSQLiteStore(cfg.App.Database)
	if err != nil {
		return nil, fmt.Errorf("web server initialization failed: failed to create SQLite store at %q: %w", cfg.App.Database, err)
	}

	rate := cfg.LoginRateLimit
	if rate <= 0 {
		rate = 10
	}
	lmt := tollbooth.NewLimiter(rate, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})

	s := &Server{
		cfg:          cfg.App,
		store:        store,
		urls:         urls.New(cfg.BaseURL),
		sessions:     sessions,
		csrf:         http.NewCrossOriginProtection(),
		loginLimiter: lmt,
		baseURL:      cfg.BaseURL,
		version:      cfg.Version,
		startedAt:    time.Now(),
		notifier:     cfg.Notifier,
	}

	// parse templates
	templates, err := s.parseTemplates()
	if err != nil {
		if closeErr := store.Close(); closeErr != nil {
			return nil, fmt.Errorf("web server initialization failed: failed to parse HTML templates: %w (also failed to close store: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("web server initialization failed: failed to parse HTML templates: %w", err)
	}
	s.templates = templates
	s.handler = s.wrapBaseURL(s.routes())
	return s, nil
}

// Run starts the web server and blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// Handler returns the http.Handler with all routes and base URL wrapping applied
func (s *Server) Handler() http.Handler { return s.handler }

// URLFor builds url for the endpoint, params given as key-value pairs
func (s *Server) URLFor(endpoint string, kv ...any) (string, error) {
	params, err := urls.Pairs(kv...)
	if err != nil {
		return "", err
	}
	return s.urls.Build(endpoint, params)
}

// Config returns the application config the server was made with
func (s *Server) Config() config.Config { return s.cfg }

// Close closes the store
func (s *Server) Close() error {
	return s.store.Close()
}

// wrapBaseURL mounts routes under the base URL, if any
func (s *Server) wrapBaseURL(routes http.Handler) http.Handler {
	if s.baseURL == "" {
		return routes
	}

	mux := http.NewServeMux()
	// base URL without trailing slash redirects to the one with slash
	mux.HandleFunc(s.baseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.baseURL+"/", http.StatusMovedPermanently)
	})
	mux.Handle(s.baseURL+"/", http.StripPrefix(s.baseURL, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		routes.ServeHTTP(&baseURLWriter{ResponseWriter: w, baseURL: s.baseURL}, r)
	})))
	return mux
}

// baseURLWriter adds the base URL to trailing slash redirects of the routes mux. The mux sees
// paths with the base URL stripped and redirects with 301 to a path without it. Handlers redirect
// with 303 to urls already built with the base URL, these are left as is.
type baseURLWriter struct {
	http.ResponseWriter
	baseURL string
}

func (w *baseURLWriter) WriteHeader(code int) {
	if code == http.StatusMovedPermanently {
		loc := w.Header().Get("Location")
		if strings.HasPrefix(loc, "/") && !strings.HasPrefix(loc, "//") {
			w.Header().Set("Location", w.baseURL+loc)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap returns the original writer for http.ResponseController
func (w *baseURLWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// routes returns the http.Handler with all routes configured.
// Rules are registered in the url map as routes are added, so it must be called once.
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("quickblog", "umputun", s.version),
		rest.Ping,
		rest.SizeLimit(s.cfg.MaxUploadSize+64*1024), // uploads plus multipart overhead
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
		s.csrf.Handler,
		s.sessionMiddleware,
	)

	// quickstart routes
	router.HandleFunc("GET "+s.rule("index", "/").Pattern(), s.handleIndex)
	router.HandleFunc("GET "+s.rule("login", "/login").Pattern(), s.handleLogin)
	profile := s.rule("show_user_profile", "/user/<username>")
	router.HandleFunc("GET "+profile.Pattern(), s.withValues(profile, s.handleUserProfile))
	post := s.rule("show_post", "/post/<int:post_id>")
	router.HandleFunc("GET "+post.Pattern(), s.withValues(post, s.handleShowPost))
	subpath := s.rule("show_subpath", "/path/<path:subpath>")
	router.HandleFunc("GET "+subpath.Pattern(), s.withValues(subpath, s.handleShowSubpath))
	router.HandleFunc("GET "+s.rule("hello", "/hello/").Pattern(), s.handleHello)
	helloName := s.rule("hello", "/hello/<name>")
	router.HandleFunc("GET "+helloName.Pattern(), s.withValues(helloName, s.handleHelloName))
	router.HandleFunc("GET "+s.rule("url_examples", "/urls").Pattern(), s.handleURLExamples)

	// request data demos, session, cookie and file upload
	router.HandleFunc("GET "+s.rule("session_index", "/session/").Pattern(), s.handleSessionIndex)
	sessLogin := s.rule("session_login", "/session/login").Pattern()
	router.HandleFunc("GET "+sessLogin, s.handleSessionLoginForm)
	router.HandleFunc("POST "+sessLogin, s.handleSessionLogin)
	router.HandleFunc("GET "+s.rule("session_logout", "/session/logout").Pattern(), s.handleSessionLogout)
	cookie := s.rule("cookie", "/cookie").Pattern()
	router.HandleFunc("GET "+cookie, s.handleCookie)
	router.HandleFunc("POST "+cookie, s.handleSetCookie)
	upload := s.rule("upload_file", "/upload").Pattern()
	router.HandleFunc("GET "+upload, s.handleUploadForm)
	router.HandleFunc("POST "+upload, s.handleUpload)
	uploaded := s.rule("uploaded_file", "/uploads/<path:name>")
	router.HandleFunc("GET "+uploaded.Pattern(), s.withValues(uploaded, s.handleUploadedFile))
	router.HandleFunc("POST "+s.rule("toggle_theme", "/theme").Pattern(), s.handleThemeToggle)

	// blog authentication
	register := s.rule("auth_register", "/auth/register").Pattern()
	router.HandleFunc("GET "+register, s.handleRegisterForm)
	router.HandleFunc("POST "+register, s.handleRegister)
	authLogin := s.rule("auth_login", "/auth/login").Pattern()
	router.HandleFunc("GET "+authLogin, s.handleAuthLoginForm)
	router.With(tollbooth.HTTPMiddleware(s.loginLimiter)).HandleFunc("POST "+authLogin, s.handleAuthLogin)
	router.HandleFunc("GET "+s.rule("auth_logout", "/auth/logout").Pattern(), s.handleAuthLogout)

	// blog posts, everything but the index requires login
	router.HandleFunc("GET "+s.rule("blog_index", "/blog/").Pattern(), s.handleBlogIndex)
	router.Group().Route(func(blog *routegroup.Bundle) {
		blog.Use(s.loginRequired)
		create := s.rule("blog_create", "/blog/create").Pattern()
		blog.HandleFunc("GET "+create, s.handleCreatePostForm)
		blog.HandleFunc("POST "+create, s.handleCreatePost)
		update := s.rule("blog_update", "/blog/<int:id>/update")
		blog.HandleFunc("GET "+update.Pattern(), s.withValues(update, s.handleUpdatePostForm))
		blog.HandleFunc("POST "+update.Pattern(), s.withValues(update, s.handleUpdatePost))
		del := s.rule("blog_delete", "/blog/<int:id>/delete")
		blog.HandleFunc("POST "+del.Pattern(), s.withValues(del, s.handleDeletePost))
	})

	// JSON API
	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /me", s.handleAPIMe)
		api.HandleFunc("GET /users", s.handleAPIUsers)
		api.HandleFunc("GET /status", s.handleAPIStatus)
	})

	// static files, the rule is only for url building, serving is done by the file server
	s.rule("static", "/static/<path:filename>")
	fsys, err := fs.Sub(staticFS, "static")
	if err != nil {
		log.Printf("[ERROR] failed to create static file system: %v", err)
		router.Handle("GET /static/", http.FileServer(http.FS(staticFS)))
	} else {
		router.HandleFiles("/static/", http.FS(fsys))
	}

	return router
}

// rule registers url rule for the endpoint. Rules are static, so a bad one is a programming error.
func (s *Server) rule(endpoint, rule string) *urls.Rule {
	r, err := s.urls.Add(endpoint, rule)
	if err != nil {
		panic(fmt.Sprintf("failed to add url rule %q for %s: %v", rule, endpoint, err))
	}
	return r
}

// withValues converts path values of the matched rule and passes them to the handler.
// Values failed to convert respond with 404, as for a route that doesn't exist.
func (s *Server) withValues(rule *urls.Rule, h func(http.ResponseWriter, *http.Request, urls.Values)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vals, err := rule.Values(r)
		if err != nil {
			log.Printf("[DEBUG] %s for %s: %v", rule.Endpoint, r.URL.Path, err)
			http.NotFound(w, r)
			return
		}
		h(w, r, vals)
	}
}

// render renders a page with the base layout. Flashes are consumed and the session is saved
// before anything is written.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, page string, data TemplateData) {
	tmpl, ok := s.templates[page]
	if !ok {
		log.Printf("[WARN] template %s not found", page)
		http.Error(w, "Template not found", http.StatusInternalServerError)
		return
	}

	sess := s.session(r)
	data.User = currentUser(r)
	data.Theme = s.getTheme(r)
	data.Version = s.version
	data.CurrentYear = time.Now().Year()
	data.Flashes = append(data.Flashes, sess.Flashes()...)

	buf := new(bytes.Buffer)
	if err := tmpl.ExecuteTemplate(buf, "base", data); err != nil {
		log.Printf("[WARN] failed to execute template: %v", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}

	s.saveSession(w, r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("[WARN] failed to write response: %v", err)
	}
}

// text writes a literal html response
func (s *Server) text(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(msg)); err != nil {
		log.Printf("[WARN] failed to write response: %v", err)
	}
}

// redirect saves the session and redirects to the endpoint url
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, endpoint string, kv ...any) {
	target, err := s.URLFor(endpoint, kv...)
	if err != nil {
		log.Printf("[ERROR] can't build url for %s: %v", endpoint, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.saveSession(w, r)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// parseTemplates parses every page together with the base layout
func (s *Server) parseTemplates() (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template, len(pages))

	funcMap := template.FuncMap{
		"url_for":   s.URLFor,
		"humanTime": humanTime,
	}

	for _, page := range pages {
		tmpl, err := template.New(page).Funcs(funcMap).ParseFS(templatesFS, "templates/base.html", "templates/"+page)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", page, err)
		}
		templates[page] = tmpl
	}
	return templates, nil
}

func (s *Server) getTheme(r *http.Request) enums.Theme {
	if u := currentUser(r); u != nil && u.Theme.Valid() {
		return u.Theme
	}
	cookie, err := r.Cookie("theme")
	if err != nil {
		return enums.ThemeAuto
	}
	theme, err := enums.ParseTheme(cookie.Value)
	if err != nil {
		log.Printf("[WARN] invalid theme %q: %v", cookie.Value, err)
		return enums.ThemeAuto
	}
	return theme
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("Jan 2, 2006 15:04")
}

// cookiePath returns the cookie path with base URL support
func cookiePath(baseURL string) string {
	if baseURL == "" {
		return "/"
	}
	return strings.TrimSuffix(baseURL, "/") + "/"
}
