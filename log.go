package main

import (
	"context"
	"os"

	"github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

// Logger is the structured logger surface every broker component depends
// on. Implementations treat keysAndValues as alternating key/value pairs,
// the same convention zap's SugaredLogger uses.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Fatal(msg string, keysAndValues ...interface{})
	// Trace is for very verbose, usually-discarded diagnostics; the
	// default implementation drops it entirely rather than wiring a
	// fifth zap level.
	Trace(msg string, keysAndValues ...interface{})
	// With scopes a single field onto every subsequent log line.
	With(key string, value interface{}) Logger
	// NewSystem starts a named sub-logger, carrying forward any fields
	// already attached via With.
	NewSystem(name string) Logger
}

// brokerLogger adapts ipfs/go-log's named loggers (themselves backed by
// zap) to the Logger interface above.
type brokerLogger struct {
	zlog   *zap.SugaredLogger
	fields []interface{}
}

// NewBrokerLogger starts a fresh named logger rooted at the process level.
func NewBrokerLogger(systemName string) Logger {
	return &brokerLogger{
		zlog:   desugarWithCallerSkip(systemName),
		fields: nil,
	}
}

func desugarWithCallerSkip(systemName string) *zap.SugaredLogger {
	return log.Logger(systemName).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func (l *brokerLogger) Trace(_ string, _ ...interface{}) {
	// intentionally dropped: see Logger.Trace doc comment
}

func (l *brokerLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.zlog.Debugw(msg, keysAndValues...)
}

func (l *brokerLogger) Info(msg string, keysAndValues ...interface{}) {
	l.zlog.Infow(msg, keysAndValues...)
}

func (l *brokerLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.zlog.Warnw(msg, keysAndValues...)
}

func (l *brokerLogger) Error(msg string, keysAndValues ...interface{}) {
	l.zlog.Errorw(msg, keysAndValues...)
}

func (l *brokerLogger) Fatal(msg string, keysAndValues ...interface{}) {
	l.zlog.Fatalw(msg, keysAndValues...)
}

func (l *brokerLogger) With(key string, value interface{}) Logger {
	carried := append(append([]interface{}{}, l.fields...), key, value)
	return &brokerLogger{
		zlog:   l.zlog.With(key, value),
		fields: carried,
	}
}

func (l *brokerLogger) NewSystem(systemName string) Logger {
	return &brokerLogger{
		zlog:   desugarWithCallerSkip(systemName).With(l.fields...),
		fields: nil,
	}
}

type loggerContextKey struct{}

// SetContextLogger attaches lg to ctx so downstream handlers can pull it
// back out via LoggerFromContext without threading it through every call.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stashed in ctx, or, if the context
// was never decorated, a fresh logger named "noop" that still writes at the
// process's configured log level.
func LoggerFromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return lg
	}
	return NewBrokerLogger("noop")
}

const defaultLogLevel = "info"

func init() {
	levelName := os.Getenv("CLEARNODE_LOG_LEVEL")
	if levelName == "" {
		levelName = defaultLogLevel
	}

	level, err := log.Parse(levelName)
	if err != nil {
		level = log.LevelInfo
	}

	log.SetupLogging(log.Config{
		Level:  level,
		Stderr: true,
	})
}
