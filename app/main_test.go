package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/quickblog/app/web/persistence"
)

func Test_makeHostName(t *testing.T) {
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	defer func() { opts.Notify.Webhooks, opts.Notify.Headers = nil, nil }()

	opts.Notify.Webhooks = nil
	notif, err := makeNotifier()
	require.NoError(t, err)
	assert.Nil(t, notif)

	opts.Notify.Webhooks = []string{"https://example.com/hook"}
	opts.Notify.Headers = []string{"Authorization:Bearer 123"}
	notif, err = makeNotifier()
	require.NoError(t, err)
	require.NotNil(t, notif)

	opts.Notify.Headers = []string{"no-value"}
	_, err = makeNotifier()
	require.Error(t, err)

	opts.Notify.Headers = nil
	opts.Notify.Webhooks = []string{"smtp://example.com"}
	_, err = makeNotifier()
	require.Error(t, err)
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	defer func() { opts.Log.Enabled = false; setupLogs() }()
	opts.Log.Enabled = true
	opts.Log.Filename = filepath.Join(t.TempDir(), "quickblog.log")
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, opts.Log.Filename, logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_validateBaseURL(t *testing.T) {
	tests := []struct{ name, input, want string }{
		{"empty string", "", ""},
		{"root path", "/", ""},
		{"path without trailing slash", "/blog", "/blog"},
		{"path with trailing slash", "/blog/", "/blog"},
		{"path without leading slash", "blog", "/blog"},
		{"multi-segment path", "/app/blog", "/app/blog"},
		{"multi-segment with trailing slash", "/app/blog/", "/app/blog"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validateBaseURL(tt.input))
		})
	}
}

func Test_loadConfig(t *testing.T) {
	defer func() { opts.InstancePath, opts.SecretKey = "", "" }()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("secret_key: from-file\nmax_upload_size: 1024\n"), 0o600))
	opts.InstancePath = dir

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.SecretKey)
	assert.Equal(t, int64(1024), cfg.MaxUploadSize)

	opts.SecretKey = "from-cli"
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-cli", cfg.SecretKey)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("bad_key: 1\n"), 0o600))
	_, err = loadConfig()
	require.Error(t, err)
}

func Test_initDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.sqlite")
	store, err := persistence.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	_, err = store.CreateUser("john", "hash")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	require.NoError(t, initDB(dbPath))

	store, err = persistence.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Zero(t, counts.Users)
}

func Test_run(t *testing.T) {
	port := chooseRandomUnusedPort(t)
	opts.Listen = fmt.Sprintf("127.0.0.1:%d", port)
	opts.InstancePath = t.TempDir()
	opts.BaseURL = "/blog"
	opts.LoginLimit = 5
	defer func() { opts.Listen, opts.InstancePath, opts.BaseURL = "", "", "" }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/blog/hello/quickblog", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test request
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK && strings.Contains(string(body), "Hello quickblog!")
	}, 5*time.Second, 50*time.Millisecond)

	assert.FileExists(t, filepath.Join(opts.InstancePath, "quickblog.sqlite"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop in time")
	}
}

func Test_runInitDB(t *testing.T) {
	opts.InstancePath = t.TempDir()
	opts.InitDB = true
	defer func() { opts.InstancePath, opts.InitDB = "", false }()

	require.NoError(t, run(context.Background()))
	assert.FileExists(t, filepath.Join(opts.InstancePath, "quickblog.sqlite"))
}

func chooseRandomUnusedPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}
