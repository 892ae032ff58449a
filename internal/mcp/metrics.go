package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/memoryd/internal/mcp"

// toolMetrics instruments the memory tools. Calls are labelled by tool and
// outcome; the remaining instruments describe what the tools moved.
type toolMetrics struct {
	logger     *zap.Logger
	calls      metric.Int64Counter
	latency    metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	remembered metric.Int64Counter
	returned   metric.Int64Histogram
	forgotten  metric.Int64Counter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &toolMetrics{logger: logger}

	var err error
	m.calls, err = meter.Int64Counter(
		"memoryd.mcp.tool.calls_total",
		metric.WithDescription("Memory tool calls by tool and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create calls counter", zap.Error(err))
	}

	m.latency, err = meter.Float64Histogram(
		"memoryd.mcp.tool.duration_seconds",
		metric.WithDescription("Memory tool latency by tool"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"memoryd.mcp.tool.in_flight",
		metric.WithDescription("Memory tool calls currently running"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}

	m.remembered, err = meter.Int64Counter(
		"memoryd.mcp.messages_remembered_total",
		metric.WithDescription("Conversation messages accepted through memory_remember"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		logger.Warn("failed to create remembered counter", zap.Error(err))
	}

	m.returned, err = meter.Int64Histogram(
		"memoryd.mcp.memories_returned",
		metric.WithDescription("Memories returned per recall or search call"),
		metric.WithUnit("{memory}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 20, 50, 100),
	)
	if err != nil {
		logger.Warn("failed to create returned histogram", zap.Error(err))
	}

	m.forgotten, err = meter.Int64Counter(
		"memoryd.mcp.forget_total",
		metric.WithDescription("memory_forget deletions by status"),
		metric.WithUnit("{deletion}"),
	)
	if err != nil {
		logger.Warn("failed to create forget counter", zap.Error(err))
	}
	return m
}

// track starts timing a tool call. The returned function records the
// outcome and must be called exactly once.
func (m *toolMetrics) track(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("outcome", outcome(err)),
			))
		}
	}
}

func (m *toolMetrics) messagesRemembered(ctx context.Context, n int) {
	if m.remembered != nil && n > 0 {
		m.remembered.Add(ctx, int64(n))
	}
}

func (m *toolMetrics) memoriesReturned(ctx context.Context, tool string, n int) {
	if m.returned != nil {
		m.returned.Record(ctx, int64(n), metric.WithAttributes(attribute.String("tool", tool)))
	}
}

func (m *toolMetrics) forgot(ctx context.Context, status string) {
	if m.forgotten != nil {
		m.forgotten.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// outcome maps a tool error to a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, memory.ErrEmptyOwner),
		errors.Is(err, memory.ErrInvalidOwner),
		errors.Is(err, memory.ErrInvalidRole),
		errors.Is(err, memory.ErrEmptySummary),
		errors.Is(err, errInvalidInput):
		return "invalid_input"
	case errors.Is(err, memory.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, vectorstore.ErrEmbeddingFailed), errors.Is(err, embeddings.ErrEmbeddingFailed):
		return "embedding_unavailable"
	default:
		return "internal"
	}
}
