// Package logx provides structured key/value logging for the ulogger daemon.
package logx

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry bound to a component name. Fields are passed
// as alternating key/value pairs, e.g. logger.Info("sync_done", "count", n).
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// NewLogger creates a logger for the given level and component. Unknown
// levels fall back to info.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	base.SetLevel(parseLevel(level))

	return &Logger{
		base:  base,
		entry: base.WithField("component", component),
	}
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the logger level at runtime.
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// WithFields returns a child logger with the given key/value pairs attached
// to every entry.
func (l *Logger) WithFields(kv ...interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithFields(fields(kv))}
}

func (l *Logger) Trace(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Trace(msg)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Debug(msg)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Info(msg)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Warn(msg)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.entry.WithFields(fields(kv)).Error(msg)
}

// fields converts alternating key/value arguments into logrus fields. A
// trailing key without a value is recorded under "EXTRA_VALUE".
func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	if len(kv)%2 != 0 {
		f["EXTRA_VALUE"] = kv[len(kv)-1]
	}
	return f
}
