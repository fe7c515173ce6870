package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"donationcore/internal/config"
	"donationcore/internal/email"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Email.Transport = "memory"
	cfg.Metrics.Backend = "none"
	cfg.Stripe.WebhookSecret = "whsec_test"
	return cfg
}

func TestBuildAppServesHealthz(t *testing.T) {
	app, err := BuildApp(context.Background(), memoryConfig(), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.IsType(t, &email.MemoryTransport{}, app.Transport)
}

func TestBuildAppExposesMetrics(t *testing.T) {
	for _, backend := range []string{"prometheus", "expvar"} {
		t.Run(backend, func(t *testing.T) {
			cfg := memoryConfig()
			cfg.Metrics.Backend = backend
			app, err := BuildApp(context.Background(), cfg, discardLogger())
			require.NoError(t, err)
			t.Cleanup(func() { _ = app.Close(context.Background()) })

			rec := httptest.NewRecorder()
			app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.NotEmpty(t, rec.Body.String())
		})
	}
}

func TestBuildAppWithArchiveAndTracing(t *testing.T) {
	cfg := memoryConfig()
	cfg.Blob.Archive = true
	cfg.Blob.Driver = "fs"
	cfg.Blob.FSRoot = filepath.Join(t.TempDir(), "archive")
	cfg.Tracing.Enabled = true
	cfg.Dedup.Backend = "redis"
	cfg.Dedup.RedisAddr = "127.0.0.1:6379"

	app, err := BuildApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, app.Service)
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildAppRejectsBrokenTransport(t *testing.T) {
	cfg := memoryConfig()
	cfg.Email.Transport = "http"
	cfg.Email.Endpoint = ""
	_, err := BuildApp(context.Background(), cfg, discardLogger())
	require.ErrorContains(t, err, "email transport")
}

func TestBuildAppUsesSQLiteFile(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "state.db")
	app, err := BuildApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	require.NoError(t, app.Close(context.Background()))
	assert.FileExists(t, cfg.Storage.SQLitePath)
}
