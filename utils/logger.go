package utils

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	mentorIDKey      contextKey = "mentor_id"
)

type Logger struct {
	service string
	base    *logrus.Logger
}

var defaultLogger = NewLogger("mentorpay")

func init() {
	if os.Getenv("LOG_LEVEL") == "debug" {
		defaultLogger.base.SetLevel(logrus.DebugLevel)
	}
}

func NewLogger(service string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	base.SetLevel(logrus.InfoLevel)

	return &Logger{
		service: service,
		base:    base,
	}
}

// Configure sets the level ("debug", "info", ...) and format ("json" or
// "text") of the package logger.
func Configure(level, format string, out io.Writer) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		defaultLogger.base.SetLevel(lvl)
	}
	if strings.EqualFold(format, "text") {
		defaultLogger.base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if out != nil {
		defaultLogger.base.SetOutput(out)
	}
}

func (l *Logger) Debug(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.entry(ctx, fields...).Debug(message)
}

func (l *Logger) Info(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.entry(ctx, fields...).Info(message)
}

func (l *Logger) Warn(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.entry(ctx, fields...).Warn(message)
}

func (l *Logger) Error(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.entry(ctx, fields...).Error(message)
}

func (l *Logger) entry(ctx context.Context, fields ...map[string]interface{}) *logrus.Entry {
	e := l.base.WithField("service", l.service)
	if id := GetCorrelationID(ctx); id != "" {
		e = e.WithField("correlation_id", id)
	}
	if id := GetMentorID(ctx); id != "" {
		e = e.WithField("mentor_id", id)
	}
	if len(fields) > 0 && fields[0] != nil {
		e = e.WithFields(logrus.Fields(fields[0]))
	}
	return e
}

func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

func GetMentorID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(mentorIDKey).(string); ok {
		return id
	}
	return ""
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func WithMentorID(ctx context.Context, mentorID string) context.Context {
	return context.WithValue(ctx, mentorIDKey, mentorID)
}

func Debug(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Debug(ctx, message, fields...)
}

func Info(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Info(ctx, message, fields...)
}

func Warn(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Warn(ctx, message, fields...)
}

func Error(ctx context.Context, message string, fields ...map[string]interface{}) {
	defaultLogger.Error(ctx, message, fields...)
}
