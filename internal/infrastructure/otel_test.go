package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"

	"licensed/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitializeOTelPrometheus(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = config.ExporterNone
	cfg.MetricExporter = config.ExporterPrometheus

	providers, err := InitializeOTel(cfg, "test", testLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	require.NotNil(t, providers.PrometheusHTTP)
	require.NotNil(t, providers.MeterProvider)

	m, err := NewHTTPMetrics(providers.Meter)
	require.NoError(t, err)
	m.RequestsTotal.Add(context.Background(), 1, metric.WithAttributes())

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestInitializeOTelTwice(t *testing.T) {
	cfg := config.Default().Telemetry
	for i := 0; i < 2; i++ {
		providers, err := InitializeOTel(cfg, "test", testLogger())
		require.NoError(t, err)
		require.NoError(t, providers.Shutdown(context.Background()))
	}
}

func TestInitializeOTelDisabled(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = config.ExporterNone
	cfg.MetricExporter = config.ExporterNone

	providers, err := InitializeOTel(cfg, "test", testLogger())
	require.NoError(t, err)
	assert.Nil(t, providers.PrometheusHTTP)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.Tracer)

	_, err = NewHTTPMetrics(providers.Meter)
	assert.NoError(t, err)
}

func TestInitializeOTelUnsupported(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.TraceExporter = "jaeger"
	_, err := InitializeOTel(cfg, "test", testLogger())
	assert.Error(t, err)

	cfg = config.Default().Telemetry
	cfg.MetricExporter = "statsd"
	_, err = InitializeOTel(cfg, "test", testLogger())
	assert.Error(t, err)
}

func TestTraceIDFromContextWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
	assert.Empty(t, GetTraceID(context.Background()))
}
