package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/austindbirch/kmhook/internal/tracing"
)

// Logger provides structured JSON logging with trace correlation
type Logger struct {
	service string
	base    *logrus.Logger
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "time",
			logrus.FieldKeyMsg:  "msg",
		},
	})
	base.SetLevel(levelFromEnv())
	return &Logger{service: service, base: base}
}

// SetOutput redirects log output, mainly for tests
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// SetLevel sets the minimum level that is written ("debug", "info", ...)
func (l *Logger) SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.base.SetLevel(lvl)
	}
}

// Service returns the service name attached to every entry
func (l *Logger) Service() string {
	return l.service
}

func (l *Logger) entry() *LogEntry {
	fields := logrus.Fields{}
	if l.service != "" {
		fields["service"] = l.service
	}
	return &LogEntry{e: l.base.WithFields(fields)}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e = e.WithField("trace_id", traceID)
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// LogEntry is a pending log line. The With* methods return a new entry.
type LogEntry struct {
	e *logrus.Entry
}

// WithUser sets the owning user ID
func (e *LogEntry) WithUser(userID string) *LogEntry {
	return e.WithField("user_id", userID)
}

// WithSubscription sets the webhook subscription ID
func (e *LogEntry) WithSubscription(subscriptionID string) *LogEntry {
	return e.WithField("subscription_id", subscriptionID)
}

// WithEvent sets the event name
func (e *LogEntry) WithEvent(event string) *LogEntry {
	return e.WithField("event", event)
}

// WithAttempt sets the delivery attempt number
func (e *LogEntry) WithAttempt(attempt int) *LogEntry {
	return e.WithField("attempt", attempt)
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	return &LogEntry{e: e.e.WithField(key, value)}
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	return &LogEntry{e: e.e.WithFields(logrus.Fields(fields))}
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err == nil {
		return e
	}
	return e.WithField("error", err.Error())
}

func (e *LogEntry) Debug(message string)              { e.e.Debug(message) }
func (e *LogEntry) Debugf(format string, args ...any) { e.e.Debugf(format, args...) }
func (e *LogEntry) Info(message string)               { e.e.Info(message) }
func (e *LogEntry) Infof(format string, args ...any)  { e.e.Infof(format, args...) }
func (e *LogEntry) Warn(message string)               { e.e.Warn(message) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.e.Warnf(format, args...) }
func (e *LogEntry) Error(message string)              { e.e.Error(message) }
func (e *LogEntry) Errorf(format string, args ...any) { e.e.Errorf(format, args...) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.e.Fatal(message) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) { e.e.Fatalf(format, args...) }

func levelFromEnv() logrus.Level {
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		if lvl, err := logrus.ParseLevel(v); err == nil {
			return lvl
		}
	}
	return logrus.InfoLevel
}

// Global convenience functions

var defaultLogger = New("kmhook")

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
