package dlog

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type logrusLogger struct {
	l logrus.FieldLogger
}

// NewLogrusLogger adapts a logrus logger (or entry).
func NewLogrusLogger(l logrus.FieldLogger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return logrusLogger{l: l}
}

func (r logrusLogger) Debug(msg string, f Fields) {
	r.l.WithFields(logrus.Fields(f)).Debug(msg)
}

func (r logrusLogger) Info(msg string, f Fields) {
	r.l.WithFields(logrus.Fields(f)).Info(msg)
}

func (r logrusLogger) Warn(msg string, f Fields) {
	r.l.WithFields(logrus.Fields(f)).Warn(msg)
}

func (r logrusLogger) Error(msg string, f Fields) {
	r.l.WithFields(logrus.Fields(f)).Error(msg)
}

// NewConsoleLogger returns a text logrus logger writing to a buffered stderr
// console which flushes at least every flushInterval.
func NewConsoleLogger(
	level logrus.Level,
	bufferSize int,
	flushInterval time.Duration) Logger {

	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(NewBufferedConsole(os.Stderr, bufferSize, flushInterval))
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return NewLogrusLogger(l)
}
