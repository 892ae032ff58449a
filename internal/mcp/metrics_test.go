package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/memory"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

func collectMetrics(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
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

// sumBy totals an int64 sum's data points keyed by the given attribute.
func sumBy(t *testing.T, m metricdata.Metrics, key string) map[string]int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is not an int64 sum", m.Name)
	}
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestToolMetrics_Track(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newToolMetrics(mp.Meter(instrumentationName), zap.NewNop())
	ctx := context.Background()

	m.track(ctx, "memory_recall")(nil)
	m.track(ctx, "memory_recall")(memory.ErrInvalidOwner)
	open := m.track(ctx, "memory_search")

	got := collectMetrics(t, reader)

	outcomes := sumBy(t, got["memoryd.mcp.tool.calls_total"], "outcome")
	if outcomes["ok"] != 1 || outcomes["invalid_input"] != 1 {
		t.Errorf("unexpected outcomes: %v", outcomes)
	}

	inFlight := sumBy(t, got["memoryd.mcp.tool.in_flight"], "tool")
	if inFlight["memory_search"] != 1 || inFlight["memory_recall"] != 0 {
		t.Errorf("unexpected in-flight counts: %v", inFlight)
	}

	hist, ok := got["memoryd.mcp.tool.duration_seconds"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("duration histogram not found")
	}
	var recorded uint64
	for _, dp := range hist.DataPoints {
		recorded += dp.Count
	}
	if recorded != 2 {
		t.Errorf("expected 2 duration recordings, got %d", recorded)
	}

	open(nil)
	inFlight = sumBy(t, collectMetrics(t, reader)["memoryd.mcp.tool.in_flight"], "tool")
	if inFlight["memory_search"] != 0 {
		t.Errorf("in-flight should settle at 0, got %d", inFlight["memory_search"])
	}
}

func TestToolMetrics_MemoryCounters(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newToolMetrics(mp.Meter(instrumentationName), zap.NewNop())
	ctx := context.Background()

	m.messagesRemembered(ctx, 3)
	m.messagesRemembered(ctx, 0)
	m.memoriesReturned(ctx, "memory_recall", 4)
	m.memoriesReturned(ctx, "memory_search", 0)
	m.forgot(ctx, "complete")
	m.forgot(ctx, "partial")
	m.forgot(ctx, "partial")

	got := collectMetrics(t, reader)

	remembered := sumBy(t, got["memoryd.mcp.messages_remembered_total"], "tool")
	if remembered[""] != 3 {
		t.Errorf("expected 3 remembered messages, got %v", remembered)
	}

	returned, ok := got["memoryd.mcp.memories_returned"].Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatal("returned histogram not found")
	}
	sums := make(map[string]int64)
	for _, dp := range returned.DataPoints {
		tool, _ := dp.Attributes.Value(attribute.Key("tool"))
		sums[tool.AsString()] += dp.Sum
		if dp.Count != 1 {
			t.Errorf("expected one recording per tool, got %d", dp.Count)
		}
	}
	if sums["memory_recall"] != 4 || sums["memory_search"] != 0 {
		t.Errorf("unexpected returned sums: %v", sums)
	}

	forgotten := sumBy(t, got["memoryd.mcp.forget_total"], "status")
	if forgotten["complete"] != 1 || forgotten["partial"] != 2 {
		t.Errorf("unexpected forget counts: %v", forgotten)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, "ok"},
		{"empty owner", memory.ErrEmptyOwner, "invalid_input"},
		{"wrapped invalid owner", fmt.Errorf("append: %w", memory.ErrInvalidOwner), "invalid_input"},
		{"bad role", memory.ErrInvalidRole, "invalid_input"},
		{"tool input", fmt.Errorf("%w: query is required", errInvalidInput), "invalid_input"},
		{"not found", memory.ErrNotFound, "not_found"},
		{"deadline", fmt.Errorf("search: %w", context.DeadlineExceeded), "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"vector embedding", fmt.Errorf("add: %w", vectorstore.ErrEmbeddingFailed), "embedding_unavailable"},
		{"provider embedding", embeddings.ErrEmbeddingFailed, "embedding_unavailable"},
		{"message only", errors.New("memory not found"), "internal"},
		{"generic error", errors.New("something went wrong"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcome(tt.err); got != tt.expected {
				t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}
