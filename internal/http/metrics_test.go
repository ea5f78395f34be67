package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := NewHTTPMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.POST("/api/v1/runs", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "task field is required")
	})

	for _, path := range []string{"/api/v1/runs/a", "/api/v1/runs/b"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	requests := map[string]int64{}
	var durations uint64
	var foundSize bool
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "evolvd.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					endpoint, _ := dp.Attributes.Value(attribute.Key("endpoint"))
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					requests[endpoint.AsString()+" "+status.Emit()] += dp.Value
				}
			case "evolvd.http.request_duration_seconds":
				hist, ok := md.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					durations += dp.Count
				}
			case "evolvd.http.response_size_bytes":
				foundSize = true
			}
		}
	}

	assert.Equal(t, map[string]int64{
		"/api/v1/runs/:id 200": 2,
		"/api/v1/runs 400":     1,
	}, requests)
	assert.Equal(t, uint64(3), durations)
	assert.True(t, foundSize)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/health", "/health"},
		{"/api/v1/runs", "/api/v1/runs"},
		{"/api/v1/runs/:id", "/api/v1/runs/:id"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, normalizePath(tt.input), tt.input)
	}
}
