package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender-gateway/internal/config"
	"github.com/JakeFAU/prerender-gateway/internal/selector"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return &cfg
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestBuildMemoryBackend(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, `{"cache": {"backend": "memory"}, "metrics": {"port": 0}}`)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NotNil(t, app.Service())

	rec := get(t, app.Handler(), "/?url=not-a-url")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Invalid URL not-a-url", rec.Body.String())

	assert.Equal(t, http.StatusOK, get(t, app.OpsHandler(), "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, app.OpsHandler(), "/readyz").Code)
	assert.Equal(t, http.StatusOK, get(t, app.OpsHandler(), "/events/recent").Code)
}

func TestBuildFilesystemBackendCreatesDirectory(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "cache")
	cfg := loadConfig(t, `{"cache": {"directory": "`+filepath.ToSlash(dir)+`"}}`)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, http.StatusOK, get(t, app.OpsHandler(), "/readyz").Code)
}

func TestBuildWithFallbackEnabled(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, `{"cache": {"backend": "memory"}, "fallback": {"enabled": true, "timeout": "2s"}}`)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, `{"cache": {"backend": "memory"}}`)
	cfg.Cache.Backend = "s3"
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestBuildRejectsBadPageRules(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, `{"cache": {"backend": "memory"}}`)
	wait := "#x"
	cfg.Pages = []selector.Rule{{URL: "cel:url.size(", WaitForSelector: &wait}}
	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page rules")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, `{"cache": {"backend": "memory"}, "metrics": {"port": 0}}`)
	cfg.Server.Port = 0
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
