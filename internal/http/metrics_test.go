package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newHTTPMetrics(mp.Meter(httpInstrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/users/:owner/tags", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string][]string{"tags": {}})
	})
	e.GET("/api/v1/users/:owner/export", func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/octet-stream", make([]byte, 2048))
	})
	e.GET("/api/v1/users/:owner/memories/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	})

	for _, path := range []string{
		"/health",
		"/api/v1/users/alice/tags",
		"/api/v1/users/bob/tags",
		"/api/v1/users/alice/export",
		"/api/v1/users/alice/memories/8f5b6a55",
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	got := collect(t, reader)

	requests, ok := got["memoryd.http.requests_total"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("requests counter not found")
	}
	counts := make(map[string]int64)
	for _, dp := range requests.DataPoints {
		op, _ := dp.Attributes.Value(attribute.Key("operation"))
		class, _ := dp.Attributes.Value(attribute.Key("status_class"))
		counts[op.AsString()+" "+class.AsString()] += dp.Value
		if _, leaked := dp.Attributes.Value(attribute.Key("owner")); leaked {
			t.Error("owner must not be a metric label")
		}
	}
	want := map[string]int64{
		"health 2xx":     1,
		"tags 2xx":       2,
		"export 2xx":     1,
		"get_memory 4xx": 1,
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("requests[%q] = %d, want %d (all: %v)", k, counts[k], v, counts)
		}
	}

	latency, ok := got["memoryd.http.request_duration_seconds"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("latency histogram not found")
	}
	var recorded uint64
	for _, dp := range latency.DataPoints {
		recorded += dp.Count
	}
	if recorded != 5 {
		t.Errorf("expected 5 latency recordings, got %d", recorded)
	}

	size, ok := got["memoryd.http.export_size_bytes"].Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatal("export size histogram not found")
	}
	if len(size.DataPoints) != 1 || size.DataPoints[0].Count != 1 || size.DataPoints[0].Sum != 2048 {
		t.Errorf("unexpected export size data: %+v", size.DataPoints)
	}

	inFlight, ok := got["memoryd.http.in_flight"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("in-flight counter not found")
	}
	for _, dp := range inFlight.DataPoints {
		if dp.Value != 0 {
			t.Errorf("in-flight should settle at 0, got %d", dp.Value)
		}
	}
}

func TestOperation(t *testing.T) {
	tests := []struct {
		method string
		route  string
		want   string
	}{
		{http.MethodGet, "", "unmatched"},
		{http.MethodGet, "/*", "unmatched"},
		{http.MethodGet, "/health", "health"},
		{http.MethodPost, "/api/v1/users/:owner/messages", "append_messages"},
		{http.MethodGet, "/api/v1/users/:owner/messages", "recent_messages"},
		{http.MethodGet, "/api/v1/users/:owner/memories/:id", "get_memory"},
		{http.MethodDelete, "/api/v1/users/:owner", "delete_user"},
		{http.MethodPut, "/api/v1/users/:owner", "other"},
	}
	for _, tt := range tests {
		if got := operation(tt.method, tt.route); got != tt.want {
			t.Errorf("operation(%s, %q) = %q, want %q", tt.method, tt.route, got, tt.want)
		}
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 207: "2xx", 404: "4xx", 500: "5xx", 0: "unknown"}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestRouteOperations_CoverServerRoutes(t *testing.T) {
	server, err := NewServer(&stubMemory{}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	server.Mount("/metrics", http.NotFoundHandler())
	for _, r := range server.echo.Routes() {
		if op := operation(r.Method, r.Path); op == "other" {
			t.Errorf("route %s %s has no operation name", r.Method, r.Path)
		}
	}
}
