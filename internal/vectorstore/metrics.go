package vectorstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/memoryd/internal/vectorstore"

// Candidate outcomes recorded by Add.
const (
	outcomeAdded   = "added"
	outcomeMerged  = "merged"
	outcomeSkipped = "skipped"
)

type metrics struct {
	candidates metric.Int64Counter
	duration   metric.Float64Histogram
	reinforced metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}

	var err error
	m.candidates, err = meter.Int64Counter(
		"memoryd.vector.candidates_total",
		metric.WithDescription("Candidates processed by Add, by outcome (added, merged, skipped)"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		logger.Warn("failed to create candidates counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"memoryd.vector.operation_duration_seconds",
		metric.WithDescription("Duration of vector store operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.reinforced, err = meter.Int64Counter(
		"memoryd.vector.reinforcements_total",
		metric.WithDescription("Records reinforced by search, merge or lookup"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		logger.Warn("failed to create reinforcements counter", zap.Error(err))
	}
	return m
}

func (m *metrics) recordOutcome(ctx context.Context, outcome string, n int) {
	if m.candidates == nil || n == 0 {
		return
	}
	m.candidates.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) recordReinforced(ctx context.Context, source string, n int) {
	if m.reinforced == nil || n == 0 {
		return
	}
	m.reinforced.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

func (m *metrics) recordDuration(ctx context.Context, op string, start time.Time, err error) {
	if m.duration == nil {
		return
	}
	m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("error", err != nil),
	))
}
