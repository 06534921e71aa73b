// Package logging wraps logrus with the component name and request-scoped
// fields used across the cross-app layer.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	TraceIDKey contextKey = "trace_id"
	UserIDKey  contextKey = "user_id"
	AppKey     contextKey = "app"
)

// Logger is a logrus logger bound to one component.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a logger. level is a logrus level name; format is "json" or
// "text". Unknown values fall back to info and text.
func New(component, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	return &Logger{Logger: l, component: component}
}

// NewDefault creates an info-level text logger, honouring LOG_LEVEL and
// LOG_FORMAT when set.
func NewDefault(component string) *Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return New(component, level, os.Getenv("LOG_FORMAT"))
}

// NewDiscard creates a logger that drops everything. Useful in tests.
func NewDiscard(component string) *Logger {
	l := New(component, "panic", "text")
	l.SetOutput(io.Discard)
	return l
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// Named returns a logger for a sub-component sharing output and level.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Entry returns an entry carrying the component field.
func (l *Logger) Entry() *logrus.Entry {
	return l.Logger.WithField("component", l.component)
}

// WithFields returns an entry with the component and fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Entry().WithFields(logrus.Fields(fields))
}

// WithField returns an entry with the component and one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Entry().WithField(key, value)
}

// WithError returns an entry with the component and err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Entry().WithError(err)
}

// WithContext returns an entry with request-scoped fields taken from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Entry()
	if ctx == nil {
		return entry
	}
	if v := GetTraceID(ctx); v != "" {
		entry = entry.WithField(string(TraceIDKey), v)
	}
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		entry = entry.WithField(string(UserIDKey), v)
	}
	if v, ok := ctx.Value(AppKey).(string); ok && v != "" {
		entry = entry.WithField(string(AppKey), v)
	}
	return entry
}

// LogRequest logs one served HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Debug("request served")
	}
}

// LogSecurityEvent logs an event worth auditing, such as a throttled client.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields(fields)).WithField("security_event", event).Warn("security event")
}

// NewTraceID returns a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace id in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace id stored in ctx, if any.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID stores the acting user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithApp stores the hosting app name in ctx.
func WithApp(ctx context.Context, app string) context.Context {
	return context.WithValue(ctx, AppKey, app)
}

// GetUserID returns the user id stored in ctx, if any.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
