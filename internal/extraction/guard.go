package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/memoryd/internal/extraction"

// guard wraps every outbound model call with a rate limiter, a circuit
// breaker and a per-call timeout.
type guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger

	calls    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func newGuard(name string, cfg Config, logger *zap.Logger) *guard {
	g := &guard{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMin/60), cfg.Burst),
		timeout: cfg.Timeout,
		logger:  logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("extraction circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// The caller giving up says nothing about provider health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	meter := otel.Meter(instrumentationName)
	var err error
	if g.calls, err = meter.Int64Counter("memoryd.extraction.calls.total",
		metric.WithDescription("Extraction requests sent to the model provider"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("failed to create extraction metric", zap.Error(err))
	}
	if g.failures, err = meter.Int64Counter("memoryd.extraction.failures.total",
		metric.WithDescription("Extraction requests that failed or were rejected"),
		metric.WithUnit("{call}")); err != nil {
		logger.Warn("failed to create extraction metric", zap.Error(err))
	}
	if g.duration, err = meter.Float64Histogram("memoryd.extraction.duration",
		metric.WithDescription("Model call latency"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create extraction metric", zap.Error(err))
	}
	return g
}

// do runs call under the guard. Every failure, including an open breaker,
// is wrapped in ErrExtractionFailed.
func (g *guard) do(ctx context.Context, provider string, call func(ctx context.Context) (string, error)) (string, error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	if g.calls != nil {
		g.calls.Add(ctx, 1, attrs)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		g.fail(ctx, attrs)
		return "", fmt.Errorf("%w: rate limiter: %v", ErrExtractionFailed, err)
	}

	start := time.Now()
	out, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return call(callCtx)
	})
	if g.duration != nil {
		g.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		g.fail(ctx, attrs)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %s provider unavailable: %v", ErrExtractionFailed, provider, err)
		}
		return "", fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	text, _ := out.(string)
	return text, nil
}

func (g *guard) fail(ctx context.Context, attrs metric.MeasurementOption) {
	if g.failures != nil {
		g.failures.Add(ctx, 1, attrs)
	}
}

func (g *guard) state() gobreaker.State {
	return g.breaker.State()
}
