package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/quickblog/app/config"
	"github.com/umputun/quickblog/app/housekeeping"
	"github.com/umputun/quickblog/app/notify"
	"github.com/umputun/quickblog/app/web"
	"github.com/umputun/quickblog/app/web/persistence"
)

var opts struct {
	Listen       string  `short:"l" long:"listen" env:"QUICKBLOG_LISTEN" default:"127.0.0.1:5000" description:"listen address"`
	BaseURL      string  `long:"base-url" env:"QUICKBLOG_BASE_URL" description:"base URL path for reverse proxy (e.g., /blog)"`
	InstancePath string  `short:"i" long:"instance" env:"QUICKBLOG_INSTANCE" default:"instance" description:"instance directory with config, database and uploads"`
	SecretKey    string  `long:"secret" env:"QUICKBLOG_SECRET_KEY" description:"session secret, overrides secret_key of the instance config"`
	InitDB       bool    `long:"init-db" description:"clear existing data, create new tables and exit"`
	LoginLimit   float64 `long:"login-limit" env:"QUICKBLOG_LOGIN_LIMIT" default:"5" description:"login attempts per second per client"`
	Dbg          bool    `long:"dbg" env:"QUICKBLOG_DEBUG" description:"debug mode"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"quickblog.log" description:"file name to write logs to"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size in megabytes of the log file before it gets rotated"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max number of days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"QUICKBLOG_LOG"`

	Notify struct {
		Webhooks []string      `long:"webhook" env:"WEBHOOK" env-delim:"," description:"webhook url(s) notified on user registration"`
		Headers  []string      `long:"header" env:"HEADER" env-delim:"," description:"webhook header(s), as name:value"`
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"webhook request timeout"`
		Template string        `long:"template" env:"TEMPLATE" description:"registration message template"`
		HostName string        `long:"host" env:"HOSTNAME" description:"host name in notifications"`
	} `group:"notify" namespace:"notify" env-namespace:"QUICKBLOG_NOTIFY"`
}

var revision = "unknown"

func main() {
	fmt.Printf("quickblog %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if opts.InitDB {
		return initDB(cfg.Database)
	}

	notifier, err := makeNotifier()
	if err != nil {
		return fmt.Errorf("failed to make notifier: %w", err)
	}

	srvCfg := web.Config{App: cfg, BaseURL: validateBaseURL(opts.BaseURL), Version: revision,
		LoginRateLimit: opts.LoginLimit}
	if notifier != nil {
		srvCfg.Notifier = notifier
	}

	// database may be on a slow or not yet mounted volume, retry server creation
	var srv *web.Server
	rptr := repeater.New(&strategy.Backoff{Repeats: 5, Duration: 500 * time.Millisecond, Factor: 2, Jitter: true})
	err = rptr.Do(ctx, func() error {
		var e error
		srv, e = web.New(srvCfg)
		if e != nil {
			log.Printf("[WARN] can't make server: %v", e)
		}
		return e
	})
	if err != nil {
		return fmt.Errorf("failed to make server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	cleaner := housekeeping.Cleaner{Dir: cfg.UploadDir, Retention: cfg.UploadRetention, Schedule: cfg.Housekeeping}
	go func() {
		if err := cleaner.Run(ctx); err != nil {
			log.Printf("[WARN] housekeeping failed: %v", err)
		}
	}()

	return srv.Run(ctx, opts.Listen)
}

// loadConfig loads the instance config, the secret from command line wins over the config file
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(opts.InstancePath, nil)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.SecretKey != "" {
		cfg.SecretKey = opts.SecretKey
	}
	log.Printf("[INFO] instance %s, database %s, uploads %s", cfg.InstancePath, cfg.Database, cfg.UploadDir)
	return cfg, nil
}

// initDB drops and creates all tables
func initDB(dbPath string) error {
	store, err := persistence.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	if err := store.Reset(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Printf("[INFO] initialized the database %s", dbPath)
	return nil
}

// makeNotifier returns nil service if no webhooks configured
func makeNotifier() (*notify.Service, error) {
	if len(opts.Notify.Webhooks) == 0 {
		return nil, nil
	}

	for _, h := range opts.Notify.Headers {
		if name, _, ok := strings.Cut(h, ":"); !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, should be name:value", h)
		}
	}

	return notify.NewService(notify.Params{
		Destinations: opts.Notify.Webhooks,
		Headers:      opts.Notify.Headers,
		Timeout:      opts.Notify.Timeout,
		Host:         makeHostName(),
		Template:     opts.Notify.Template,
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures lgr and returns the writer logs go to, rotated file if enabled
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return out
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return out
}

// validateBaseURL normalizes base URL, root and empty mean no base URL
func validateBaseURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || u == "/" {
		return ""
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(u, "/")
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, shutting down", sig)
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
