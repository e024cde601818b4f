// Package dlog is the logging facade used throughout memcluster.  Libraries
// log through the Logger interface; applications pick the backend by passing
// a zap or logrus adapter (or the buffered console logger).
package dlog

// Fields is a minimal structured field map attached to a log entry.
type Fields map[string]interface{}

// A leveled, structured logger.
type Logger interface {
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Warn(msg string, fields Fields)
	Error(msg string, fields Fields)
}

// NopLogger drops every entry.
type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// OrNop returns l, or a NopLogger if l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
