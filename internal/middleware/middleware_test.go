package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/config"
	apperrors "licensed/internal/errors"
	"licensed/internal/infrastructure"
	"licensed/pkg/contracts/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetReqID(r.Context())
		assert.Equal(t, seen, infrastructure.GetTraceID(r.Context()))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, apperrors.CodeInternal, decodeProblem(t, rec)["code"])
}

func TestRateLimiter(t *testing.T) {
	h := NewRateLimiter(0.0001, 2, testLogger()).Handler(okHandler)
	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestKeyedLimiterIsolatesKeys(t *testing.T) {
	kl := NewKeyedLimiter(0.0001, 1, BasicAuthUser, testLogger())
	h := kl.Handler(okHandler)

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/activate", nil)
		if user != "" {
			req.SetBasicAuth(user, "")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("KEY-A"))
	assert.Equal(t, http.StatusTooManyRequests, call("KEY-A"))
	assert.Equal(t, http.StatusOK, call("KEY-B"), "other keys keep their own bucket")
	assert.Equal(t, http.StatusOK, call(""), "anonymous requests are not charged")
	assert.Equal(t, 2, kl.Len())
}

func TestKeyedLimiterPrunesIdle(t *testing.T) {
	kl := NewKeyedLimiter(1, 1, BasicAuthUser, testLogger())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	kl.now = func() time.Time { return now }

	kl.Allow("a")
	kl.Allow("b")
	now = now.Add(time.Hour)
	kl.Allow("c")
	assert.Equal(t, 1, kl.Len())
}

func TestAdminAuth(t *testing.T) {
	eh := apperrors.NewErrorHandler(testLogger(), false)
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid", "s3cret", "Bearer s3cret", http.StatusOK},
		{"scheme is case-insensitive", "s3cret", "bearer s3cret", http.StatusOK},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"basic scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"unconfigured token locks", "", "Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/admin/keys", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			AdminAuth(tt.token, eh, testLogger())(okHandler).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

type fakeAuth map[int64]domain.Activation

func (f fakeAuth) Authenticate(_ context.Context, key string, id int64) (domain.Activation, error) {
	a, found := f[id]
	if !found || a.Key != key {
		return domain.Activation{}, apperrors.NotFound("activation")
	}
	return a, nil
}

func TestClientAuth(t *testing.T) {
	eh := apperrors.NewErrorHandler(testLogger(), false)
	ca := NewClientAuth(fakeAuth{7: {ID: 7, Key: "KEY-1"}}, eh, "licensed", testLogger())

	var got domain.Activation
	h := ca.Activation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ActivationFrom(r.Context())
		key, _ := KeyFrom(r.Context())
		assert.Equal(t, "KEY-1", key)
	}))

	call := func(user, pass string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/version", nil)
		req.SetBasicAuth(user, pass)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("KEY-1", "7").Code)
	assert.Equal(t, int64(7), got.ID)

	rec := call("KEY-2", "7")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="licensed"`)
	assert.Equal(t, http.StatusUnauthorized, call("KEY-1", "x").Code)
	assert.Equal(t, http.StatusUnauthorized, call("KEY-1", "0").Code)

	keyOnly := ca.Key(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activate", nil)
	req.SetBasicAuth("KEY-1", "")
	rec = httptest.NewRecorder()
	keyOnly.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	keyOnly.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/activate", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type activateBody struct {
	Location string `json:"location" validate:"required,location"`
	Version  string `json:"version,omitempty" validate:"omitempty,version"`
	Track    string `json:"track,omitempty" validate:"omitempty,oneof=stable pre-release"`
}

func TestValidatorDecode(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"valid", `{"location":"example.com","version":"1.2.0-beta1","track":"stable"}`, ""},
		{"missing location", `{"version":"1.0"}`, "location"},
		{"bad version", `{"location":"example.com","version":"v1"}`, "version"},
		{"bad track", `{"location":"example.com","track":"nightly"}`, "track"},
		{"invalid json", `{"location":`, "body"},
		{"empty body", ``, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst activateBody
			err := v.Decode(req, &dst)
			if tt.field == "" {
				require.NoError(t, err)
				assert.Equal(t, "example.com", dst.Location)
				return
			}
			require.ErrorIs(t, err, apperrors.ErrValidation)
			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestTimeoutBoundsContext(t *testing.T) {
	var deadline time.Time
	h := Timeout(50*time.Millisecond, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, _ = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, deadline.IsZero())
}

func TestOTelMiddlewareRecordsRoute(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = config.ExporterNone
	cfg.MetricExporter = config.ExporterPrometheus
	providers, err := infrastructure.InitializeOTel(cfg, "test", testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	m, err := NewOTelMiddleware(providers)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/api/admin/keys/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/keys/ABC", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `route="/api/admin/keys/{key}"`)
}
