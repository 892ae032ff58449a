package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// WithOTel returns a logger that also sends every entry to provider. A nil
// provider returns logger unchanged.
func WithOTel(logger *zap.Logger, provider log.LoggerProvider, name string) *zap.Logger {
	if provider == nil {
		return logger
	}
	otelCore := otelzap.NewCore(name, otelzap.WithLoggerProvider(provider))
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, otelCore)
	}))
}
