// Package logging builds the process zap logger and provides test helpers
// for asserting on log output.
//
// Components take a *zap.Logger directly and fall back to zap.NewNop()
// when given nil. ContextFields adds trace and request correlation:
//
//	logger.Info("memories recalled", append(logging.ContextFields(ctx), zap.Int("count", n))...)
package logging
