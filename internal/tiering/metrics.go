package tiering

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/memoryd/internal/tiering"

type metrics struct {
	triggeredTotal metric.Int64Counter
	finishedTotal  metric.Int64Counter
	addedTotal     metric.Int64Counter
	duration       metric.Float64Histogram
}

func newMetrics(logger *zap.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error

	if m.triggeredTotal, err = meter.Int64Counter("memoryd.consolidation.triggered.total",
		metric.WithDescription("Consolidations scheduled after buffer overflow"),
		metric.WithUnit("{consolidation}")); err != nil {
		logger.Warn("failed to create consolidation metric", zap.Error(err))
	}
	if m.finishedTotal, err = meter.Int64Counter("memoryd.consolidation.finished.total",
		metric.WithDescription("Finished consolidations by status"),
		metric.WithUnit("{consolidation}")); err != nil {
		logger.Warn("failed to create consolidation metric", zap.Error(err))
	}
	if m.addedTotal, err = meter.Int64Counter("memoryd.consolidation.records.added",
		metric.WithDescription("Long-term records created by consolidation"),
		metric.WithUnit("{record}")); err != nil {
		logger.Warn("failed to create consolidation metric", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram("memoryd.consolidation.duration",
		metric.WithDescription("Consolidation task duration"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create consolidation metric", zap.Error(err))
	}
	return m
}

func (m *metrics) triggered(ctx context.Context) {
	if m.triggeredTotal != nil {
		m.triggeredTotal.Add(ctx, 1)
	}
}

func (m *metrics) finished(ctx context.Context, out Outcome) {
	status := "success"
	if out.Err != nil {
		status = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if m.finishedTotal != nil {
		m.finishedTotal.Add(ctx, 1, attrs)
	}
	if m.addedTotal != nil && len(out.Result.Added) > 0 {
		m.addedTotal.Add(ctx, int64(len(out.Result.Added)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, out.Duration.Seconds(), attrs)
	}
}
