package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/config"
	"licensed/internal/events"
	"licensed/internal/store"
)

const adminToken = "s3cret"

const testCatalog = `
products:
  - id: 1
    name: Backup Buddy
    licensing:
      enabled: true
      key_type: random
      activation_limit: 2
      online_software: true
    billing:
      unit: year
      count: 1
    downloads:
      - id: 100
        name: backupbuddy.zip
        url: https://downloads.example.com/backupbuddy.zip
        kind: package
`

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	cfg := config.Default()
	cfg.Security.AdminToken = adminToken
	cfg.Licensing.CatalogFile = path
	cfg.Storage.BoltPath = filepath.Join(dir, "licensed.db")
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := New(context.Background(), cfg, createTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func request(t *testing.T, h http.Handler, method, path string, body interface{}, prepare func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prepare != nil {
		prepare(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func asAdmin(req *http.Request) { req.Header.Set("Authorization", "Bearer "+adminToken) }

func TestNewApplication(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	assert.NotNil(t, a.Router)
	assert.NotNil(t, a.Server)
	assert.Equal(t, ":8080", a.Server.Addr)
	assert.Equal(t, cfg.Server.MaxHeaderBytes, a.Server.MaxHeaderBytes)
	assert.NotNil(t, a.Core.Cache)
	assert.IsType(t, &store.MemoryStore{}, a.Core.Store)
	assert.Contains(t, a.Core.Checks(), "store")
	assert.NotContains(t, a.Core.Checks(), "cache")
}

func TestNewWithoutCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Driver = config.CacheNone
	a := newTestApp(t, cfg)
	assert.Nil(t, a.Core.Cache)
}

func TestNewWithBoltStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = config.StorageBolt
	a := newTestApp(t, cfg)
	assert.IsType(t, &store.BoltStore{}, a.Core.Store)

	require.NoError(t, a.Stop(context.Background()))
	// the file lock is released on stop
	reopened, err := store.OpenBolt(cfg.Storage.BoltPath, time.Second)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestNewFailsOnMissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Licensing.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg, createTestLogger())
	assert.Error(t, err)
}

func TestNewWithoutCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Licensing.CatalogFile = ""
	a := newTestApp(t, cfg)

	rec := request(t, a.Router, http.MethodPost, "/api/admin/keys",
		map[string]interface{}{"key": "BB-TEST-0001", "product_id": 1}, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = request(t, a.Router, http.MethodGet, "/api/v1/info", nil,
		func(req *http.Request) { req.SetBasicAuth("BB-TEST-0001", "") })
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "Backup Buddy")
}

func TestRouterServesAllSurfaces(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	rec := request(t, a.Router, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = request(t, a.Router, http.MethodGet, "/api/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = request(t, a.Router, http.MethodGet, "/api/admin/keys", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = request(t, a.Router, http.MethodPost, "/api/admin/keys",
		map[string]interface{}{"key": "BB-TEST-0001", "product_id": 1, "max_activations": 2}, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = request(t, a.Router, http.MethodPost, "/api/v1/activate",
		map[string]string{"location": "example.com"},
		func(req *http.Request) { req.SetBasicAuth("BB-TEST-0001", "") })
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = request(t, a.Router, http.MethodGet, "/api/v1/info", nil,
		func(req *http.Request) { req.SetBasicAuth("BB-TEST-0001", "") })
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Backup Buddy")

	rec = request(t, a.Router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.MetricExporter = config.ExporterNone
	a := newTestApp(t, cfg)

	rec := request(t, a.Router, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventFeed(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/events?types=key."

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + adminToken}})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "connection", env.Type)

	rec := request(t, a.Router, http.MethodPost, "/api/admin/keys",
		map[string]interface{}{"key": "BB-FEED-0001", "product_id": 1}, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, events.TypeKeyCreated, env.Type)
	assert.Equal(t, "BB-FEED-0001", env.Key)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), createTestLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	assert.Equal(t, 0, a.WebSocketHub.ClientCount())
	// Stop after shutdown is a no-op
	assert.NoError(t, a.Stop(context.Background()))
}

func TestRunFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, createTestLogger())
	require.NoError(t, err)
	a.Server.Addr = ln.Addr().String()

	assert.Error(t, a.Run(context.Background()))
}
