// Package logging provides the narrow logging interface used across kroxy's
// packages, backed by zap in production and a no-op implementation in tests.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface every package depends on instead of *zap.Logger
// directly, so callers can swap in a no-op or test logger without pulling
// zap into their own signatures.
type Logger interface {
	Debugw(msg string, keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	With(keyvals ...interface{}) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a Logger from verbosity flags: debug enables debug-level
// output, verbose selects a human-readable console encoder instead of JSON.
func New(debug, verbose bool) (Logger, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: l.Sugar()}, nil
}

// Nop returns a Logger that discards everything, for tests.
func Nop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debugw(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l *zapLogger) Infow(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l *zapLogger) Warnw(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l *zapLogger) Errorw(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }

func (l *zapLogger) With(keyvals ...interface{}) Logger {
	return &zapLogger{s: l.s.With(keyvals...)}
}
