package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/catalog"
	apperrors "licensed/internal/errors"
	"licensed/internal/license"
	"licensed/internal/middleware"
	"licensed/internal/release"
	"licensed/internal/services"
	"licensed/internal/store"
)

const (
	adminToken       = "s3cret"
	pluginID   int64 = 1
	downloadID int64 = 100
)

var testNow = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

type testServer struct {
	router http.Handler
	store  *store.MemoryStore
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	products, err := catalog.NewStatic(catalog.Product{
		ID:   pluginID,
		Name: "Backup Buddy",
		Licensing: catalog.LicensingConfig{
			Enabled: true, KeyType: license.KeyTypeRandom, ActivationLimit: 2, OnlineSoftware: true,
		},
		Billing: catalog.BillingInterval{Unit: catalog.UnitYear, Count: 1},
		Downloads: []catalog.Download{
			{ID: downloadID, Kind: catalog.DownloadKindPackage, URL: "https://dl.example.com/backup-buddy.zip"},
		},
	})
	require.NoError(t, err)

	logger := testLogger()
	st := store.NewMemoryStore()
	ledger := catalog.NewLedger()
	clock := func() time.Time { return testNow }

	keys := license.NewKeyEngine(st, products, ledger, license.NewDefaultRegistry(nil), logger, license.WithClock(clock))
	activations := license.NewActivationEngine(st, products, logger, license.WithClock(clock))
	svc := services.NewLicensingService(services.Dependencies{
		Keys:        keys,
		Activations: activations,
		Releases:    release.NewEngine(st, products, logger, release.WithClock(clock)),
		Updates:     release.NewRecorder(st, logger, release.WithClock(clock)),
		Products:    products,
		Ledger:      ledger,
	}, logger)

	eh := apperrors.NewErrorHandler(logger, false)
	validator := middleware.NewValidator()
	auth := middleware.NewClientAuth(svc, eh, "licensed", logger)

	client := NewClientHandler(svc, validator, eh, logger)
	admin := NewAdminHandler(AdminDependencies{
		Licensing:    svc,
		Sweeper:      license.NewSweeper(keys, activations, logger),
		Transactions: ledger,
	}, validator, eh, logger)
	admin.now = clock
	health := NewHealthHandler(services.NewHealthService("test", "now", map[string]services.Pinger{"store": st}, nil, logger), logger)

	r := chi.NewRouter()
	r.Mount("/api/v1", client.Routes(auth, nil))
	r.With(middleware.AdminAuth(adminToken, eh, logger)).Mount("/api/admin", admin.Routes())
	r.Mount("/api", health.Routes())
	return &testServer{router: r, store: st}
}

type call struct {
	method string
	path   string
	body   interface{}
	user   string
	pass   string
	admin  bool
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader = http.NoBody
	if c.body != nil {
		data, err := json.Marshal(c.body)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	if c.admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func problemCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	code, _ := decode(t, rec)["code"].(string)
	return code
}

// purchase issues one key through the admin API
func (s *testServer) purchase(t *testing.T, txn int64) string {
	t.Helper()
	rec := s.do(t, call{method: http.MethodPost, path: "/api/admin/purchases", admin: true, body: map[string]interface{}{
		"transaction_id": txn,
		"customer_id":    7,
		"items":          []map[string]interface{}{{"product_id": pluginID, "amount": 80}},
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	items := decode(t, rec)["items"].([]interface{})
	require.Len(t, items, 1)
	return items[0].(map[string]interface{})["key"].(string)
}

func (s *testServer) activate(t *testing.T, key, location string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, call{method: http.MethodPost, path: "/api/v1/activate", user: key,
		body: map[string]string{"location": location, "version": "1.0"}})
}

func (s *testServer) createRelease(t *testing.T, version, status string) int64 {
	t.Helper()
	rec := s.do(t, call{method: http.MethodPost, path: "/api/admin/releases", admin: true, body: map[string]interface{}{
		"product_id": pluginID, "download_id": downloadID, "version": version, "type": "minor", "status": status,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return int64(decode(t, rec)["id"].(float64))
}

func TestClientLifecycle(t *testing.T) {
	s := newTestServer(t)
	key := s.purchase(t, 501)

	rec := s.activate(t, key, "https://www.Example.com/")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	act := decode(t, rec)
	id := strconv.FormatInt(int64(act["id"].(float64)), 10)
	assert.Equal(t, "active", act["status"])
	assert.NotEmpty(t, act["expires"])

	// nothing published yet
	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/version?version=1.0", user: key, pass: id})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNoEntitlement, problemCode(t, rec))

	s.createRelease(t, "1.1", "active")
	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/version?version=1.0", user: key, pass: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	offer := decode(t, rec)
	assert.Equal(t, "1.1", offer["version"])
	assert.Equal(t, "https://dl.example.com/backup-buddy.zip", offer["download_url"])

	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/info", user: key})
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode(t, rec)
	assert.Equal(t, "Backup Buddy", info["product_name"])
	assert.Equal(t, "1.1", info["version"])
	assert.Equal(t, float64(1), info["active_count"])
	assert.Equal(t, true, info["valid"])

	rec = s.do(t, call{method: http.MethodPost, path: "/api/v1/deactivate", user: key, pass: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "deactivated", decode(t, rec)["status"])

	// a deactivated seat is offered nothing
	rec = s.do(t, call{method: http.MethodGet, path: "/api/v1/version", user: key, pass: id})
	assert.Equal(t, apperrors.CodeNoEntitlement, problemCode(t, rec))
}

func TestClientAuthentication(t *testing.T) {
	s := newTestServer(t)
	key := s.purchase(t, 502)
	other := s.purchase(t, 503)

	rec := s.activate(t, key, "example.com")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := fmt.Sprint(int64(decode(t, rec)["id"].(float64)))

	tests := []struct {
		name string
		c    call
	}{
		{"no credentials", call{method: http.MethodPost, path: "/api/v1/activate", body: map[string]string{"location": "a.com"}}},
		{"version without activation", call{method: http.MethodGet, path: "/api/v1/version", user: key}},
		{"activation of another key", call{method: http.MethodGet, path: "/api/v1/version", user: other, pass: id}},
		{"unknown activation", call{method: http.MethodPost, path: "/api/v1/deactivate", user: key, pass: "9999"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.c)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="licensed"`)
		})
	}
}

func TestClientActivateErrors(t *testing.T) {
	s := newTestServer(t)
	key := s.purchase(t, 504)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/v1/activate", user: key, body: map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidLocation, problemCode(t, rec))

	rec = s.do(t, call{method: http.MethodPost, path: "/api/v1/activate", user: key,
		body: map[string]string{"location": "a.com", "track": "nightly"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.CodeValidationFailed, problemCode(t, rec))

	require.Equal(t, http.StatusCreated, s.activate(t, key, "a.com").Code)
	require.Equal(t, http.StatusCreated, s.activate(t, key, "b.com").Code)
	rec = s.activate(t, key, "c.com")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeCapacityReached, problemCode(t, rec))

	rec = s.activate(t, "no-such-key", "a.com")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, call{method: http.MethodGet, path: "/api/admin/keys"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminKeys(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/admin/keys", admin: true, body: map[string]interface{}{
		"key": "MANUAL-0001", "product_id": pluginID, "max_activations": 3,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, call{method: http.MethodPost, path: "/api/admin/keys", admin: true, body: map[string]interface{}{
		"key": "MANUAL-0001", "product_id": pluginID,
	}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.CodeDuplicate, problemCode(t, rec))

	rec = s.do(t, call{method: http.MethodPut, path: "/api/admin/keys/MANUAL-0001/status", admin: true,
		body: map[string]string{"status": "disabled"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", decode(t, rec)["status"])

	rec = s.do(t, call{method: http.MethodPut, path: "/api/admin/keys/MANUAL-0001/max", admin: true,
		body: map[string]interface{}{"unlimited": true}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["unlimited"])

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/keys?status=disabled", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/keys?status=bogus", admin: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/keys/MANUAL-0001/activations", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["count"])

	rec = s.do(t, call{method: http.MethodDelete, path: "/api/admin/keys/MANUAL-0001", admin: true})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/keys/MANUAL-0001", admin: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRenewAndExtend(t *testing.T) {
	s := newTestServer(t)
	key := s.purchase(t, 505)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/admin/keys/" + key + "/renew", admin: true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, call{method: http.MethodPost, path: "/api/admin/keys/" + key + "/renew", admin: true,
		body: map[string]int64{"transaction_id": 999}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: "/api/admin/keys/" + key + "/extend", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/keys/" + key + "/renewals", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestAdminActivations(t *testing.T) {
	s := newTestServer(t)
	key := s.purchase(t, 506)
	rec := s.activate(t, key, "example.com")
	require.Equal(t, http.StatusCreated, rec.Code)
	path := fmt.Sprintf("/api/admin/activations/%d", int64(decode(t, rec)["id"].(float64)))

	rec = s.do(t, call{method: http.MethodPost, path: path + "/deactivate", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deactivated", decode(t, rec)["status"])

	rec = s.do(t, call{method: http.MethodPost, path: path + "/reactivate", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode(t, rec)["status"])

	rec = s.do(t, call{method: http.MethodPost, path: path + "/expire", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: path + "/deactivate", admin: true})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, apperrors.CodeInvalidTransition, problemCode(t, rec))

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/activations?status=expired", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/activations/abc", admin: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{method: http.MethodDelete, path: path, admin: true})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminReleases(t *testing.T) {
	s := newTestServer(t)
	id := s.createRelease(t, "2.0", "")
	path := fmt.Sprintf("/api/admin/releases/%d", id)

	rec := s.do(t, call{method: http.MethodPatch, path: path, admin: true,
		body: map[string]string{"version": "2.0.1", "changelog": "fixes"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2.0.1", decode(t, rec)["version"])

	rec = s.do(t, call{method: http.MethodPost, path: path + "/activate", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode(t, rec)["status"])

	// version is frozen once published
	rec = s.do(t, call{method: http.MethodPatch, path: path, admin: true, body: map[string]string{"version": "2.0.2"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: path + "/pause", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/releases?status=paused", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = s.do(t, call{method: http.MethodGet, path: path + "/summary", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["total"])

	rec = s.do(t, call{method: http.MethodGet, path: path + "/updates", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: "/api/admin/releases", admin: true,
		body: map[string]interface{}{"product_id": pluginID, "download_id": downloadID, "version": "", "type": "minor"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRefundDisablesKeys(t *testing.T) {
	s := newTestServer(t)
	key := s.purchase(t, 507)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/admin/purchases/507/refund", admin: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = s.activate(t, key, "example.com")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminSweep(t *testing.T) {
	s := newTestServer(t)
	past := testNow.Add(-time.Hour)
	rec := s.do(t, call{method: http.MethodPost, path: "/api/admin/keys", admin: true, body: map[string]interface{}{
		"key": "OLD-KEY", "product_id": pluginID, "max_activations": 1, "expires": past,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, call{method: http.MethodPost, path: "/api/admin/sweep", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["keys_expired"])

	k, err := s.store.GetKey(context.Background(), "OLD-KEY")
	require.NoError(t, err)
	assert.Equal(t, "expired", string(k.Status))
}

func TestAdminExport(t *testing.T) {
	s := newTestServer(t)
	s.purchase(t, 508)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/admin/export?what=keys&format=csv", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "keys.csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 2)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/export?what=activations&format=xlsx", admin: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/export?format=pdf", admin: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/admin/export?what=releases", admin: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/health"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = s.do(t, call{method: http.MethodGet, path: "/api/health/ready"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])

	rec = s.do(t, call{method: http.MethodGet, path: "/api/version"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", decode(t, rec)["version"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func TestReadinessFailure(t *testing.T) {
	logger := testLogger()
	h := NewHealthHandler(services.NewHealthService("test", "now", map[string]services.Pinger{"store": failingPinger{}}, nil, logger), logger)

	rec := httptest.NewRecorder()
	h.ReadinessCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
