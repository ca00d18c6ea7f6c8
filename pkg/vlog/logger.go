// Package vlog wraps go.uber.org/zap behind the small Debugw/Warnw/Errorw
// interface that nakack, flush and grouprequest each declare locally, so
// those packages depend on an interface rather than a concrete logging
// library (spec.md §7's "logged as warning" / "logged at error" language).
// The teacher declares zap in go.mod but never imports it; this is the
// wiring that makes the dependency real.
package vlog

import "go.uber.org/zap"

// Logger is satisfied structurally by nakack.Logger, flush.Logger and
// grouprequest.Logger — a vlog.Logger value can be passed to any of them
// without an adapter.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New wraps a *zap.SugaredLogger.
func New(s *zap.SugaredLogger) Logger {
	return &zapLogger{s: s}
}

// NewProduction builds a zap production logger (JSON, info level and
// above) and wraps it. Callers that need custom zap config should build
// their own *zap.Logger and call New(.Sugar()) instead.
func NewProduction() (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z.Sugar()), nil
}

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
