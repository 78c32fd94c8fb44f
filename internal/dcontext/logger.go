package dcontext

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger provides the leveled logging surface handlers rely on. Satisfied
// by *logrus.Entry.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)

	Print(args ...any)
	Printf(format string, args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Panic(args ...any)
	Panicf(format string, args ...any)

	WithError(err error) *logrus.Entry
	WithField(key string, value any) *logrus.Entry
}

type loggerKey struct{}

var (
	defaultMu     sync.RWMutex
	defaultLogger = logrus.StandardLogger().WithField("go.version", runtime.Version())
)

// SetDefaultLogger sets the entry new context loggers derive from.
func SetDefaultLogger(logger Logger) {
	entry, ok := logger.(*logrus.Entry)
	if !ok {
		return
	}

	defaultMu.Lock()
	defaultLogger = entry
	defaultMu.Unlock()
}

// WithLogger returns a context carrying the provided logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger returns the logger for the context. Any keys provided are
// resolved against the context with ctx.Value and attached as fields, named
// by fmt.Sprint of the key. Keys with nil values are skipped.
func GetLogger(ctx context.Context, keys ...any) Logger {
	return getLogrusLogger(ctx, keys...)
}

// GetLoggerWithField returns the context logger with one extra field
// attached, leaving the context itself untouched.
func GetLoggerWithField(ctx context.Context, key, value any, keys ...any) Logger {
	return getLogrusLogger(ctx, keys...).WithField(fmt.Sprint(key), value)
}

// GetLoggerWithFields returns the context logger with the given fields
// attached, leaving the context itself untouched.
func GetLoggerWithFields(ctx context.Context, fields map[any]any, keys ...any) Logger {
	// logrus requires string keys.
	lfields := make(logrus.Fields, len(fields))
	for key, value := range fields {
		lfields[fmt.Sprint(key)] = value
	}

	return getLogrusLogger(ctx, keys...).WithFields(lfields)
}

// getLogrusLogger resolves the entry stored on the context, deriving one
// from the default logger when the context carries none, then attaches the
// resolved key fields.
func getLogrusLogger(ctx context.Context, keys ...any) *logrus.Entry {
	logger, ok := ctx.Value(loggerKey{}).(*logrus.Entry)
	if !ok {
		defaultMu.RLock()
		logger = defaultLogger
		defaultMu.RUnlock()

		// The instance id rides along even without a stored logger.
		if instanceID := ctx.Value("instance.id"); instanceID != nil {
			logger = logger.WithField("instance.id", instanceID)
		}
	}

	return logger.WithFields(resolveFields(ctx, keys))
}

func resolveFields(ctx context.Context, keys []any) logrus.Fields {
	fields := logrus.Fields{}
	for _, key := range keys {
		if v := ctx.Value(key); v != nil {
			fields[fmt.Sprint(key)] = v
		}
	}
	return fields
}
