package dlog

import (
	"go.uber.org/zap"
)

type zapLogger struct {
	l *zap.Logger
}

// NewZapLogger adapts a zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{l: l}
}

func (z zapLogger) Debug(msg string, f Fields) { z.l.Debug(msg, zapFields(f)...) }
func (z zapLogger) Info(msg string, f Fields)  { z.l.Info(msg, zapFields(f)...) }
func (z zapLogger) Warn(msg string, f Fields)  { z.l.Warn(msg, zapFields(f)...) }
func (z zapLogger) Error(msg string, f Fields) { z.l.Error(msg, zapFields(f)...) }

func zapFields(f Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
