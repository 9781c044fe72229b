// Package logging wires go.uber.org/zap into a context-carried logr.Logger,
// following the same IntoContext/FromContext convention the command runner
// in lvmd uses for attaching a call-scoped logger. There is no package-level
// default logger: callers thread a logr.Logger through a context.Context so
// tests can inject their own sink.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// New builds the process logger. debug raises the level to Debug, matching
// VDO_DEBUG=1; logfile, if non-empty, additionally writes to that path.
func New(debug bool, logfile string) (logr.Logger, *zap.Logger, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if logfile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logfile)
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zl), zl, nil
}

// IntoContext attaches log to ctx.
func IntoContext(ctx context.Context, log logr.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger attached to ctx, or the discard logger if
// none was attached.
func FromContext(ctx context.Context) logr.Logger {
	if log, ok := ctx.Value(ctxKey{}).(logr.Logger); ok {
		return log
	}
	return logr.Discard()
}
