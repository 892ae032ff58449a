package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/memoryd/internal/http"

// routeOperations names each registered route. Labels use these names, so
// owner and record ids never reach a metric.
var routeOperations = map[string]string{
	http.MethodGet + " /health":                              "health",
	http.MethodGet + " /metrics":                             "metrics",
	http.MethodPost + " /api/v1/users/:owner/messages":       "append_messages",
	http.MethodGet + " /api/v1/users/:owner/messages":        "recent_messages",
	http.MethodGet + " /api/v1/users/:owner/context":         "context",
	http.MethodGet + " /api/v1/users/:owner/memories/search": "search",
	http.MethodGet + " /api/v1/users/:owner/memories/:id":    "get_memory",
	http.MethodPost + " /api/v1/users/:owner/memories":       "ingest",
	http.MethodGet + " /api/v1/users/:owner/tags":            "tags",
	http.MethodGet + " /api/v1/users/:owner/export":          "export",
	http.MethodDelete + " /api/v1/users/:owner":              "delete_user",
}

// operation maps a request to its route operation. Requests that matched no
// route are "unmatched"; routes missing from the table are "other".
func operation(method, route string) string {
	if route == "" || route == "/*" {
		return "unmatched"
	}
	if op, ok := routeOperations[method+" "+route]; ok {
		return op
	}
	return "other"
}

// statusClass collapses a status code to 2xx, 4xx and so on.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// httpMetrics records per-operation request counts and latency, the number
// of requests in flight, and the size of exported spreadsheets.
type httpMetrics struct {
	logger     *zap.Logger
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	exportSize metric.Int64Histogram
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *httpMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	m := &httpMetrics{logger: logger}

	var err error
	m.requests, err = meter.Int64Counter(
		"memoryd.http.requests_total",
		metric.WithDescription("API requests by operation and status class"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.latency, err = meter.Float64Histogram(
		"memoryd.http.request_duration_seconds",
		metric.WithDescription("API request latency by operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"memoryd.http.in_flight",
		metric.WithDescription("API requests currently being served, by operation"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}

	m.exportSize, err = meter.Int64Histogram(
		"memoryd.http.export_size_bytes",
		metric.WithDescription("Size of xlsx exports served"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(8<<10, 32<<10, 128<<10, 512<<10, 2<<20, 8<<20),
	)
	if err != nil {
		logger.Warn("failed to create export size histogram", zap.Error(err))
	}
	return m
}

// middleware records every request. It must wrap the middleware that turns
// handler errors into responses, so the final status is known.
func (m *httpMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			op := attribute.String("operation", operation(c.Request().Method, c.Path()))

			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1, metric.WithAttributes(op))
			}
			err := next(c)
			if m.inFlight != nil {
				m.inFlight.Add(ctx, -1, metric.WithAttributes(op))
			}

			resp := c.Response()
			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(op, attribute.String("status_class", statusClass(resp.Status))))
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(op))
			}
			if m.exportSize != nil && op.Value.AsString() == "export" && resp.Status == http.StatusOK {
				m.exportSize.Record(ctx, resp.Size)
			}
			return err
		}
	}
}
