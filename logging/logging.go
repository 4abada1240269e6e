// Package logging adapts zap to the es.Logger contract every fleetsim component accepts.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/getpup/pupsourcing/es"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements es.Logger on top of a zap sugared logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

var _ es.Logger = (*Logger)(nil)

// New builds a JSON production logger at the given level (debug, info, warn, error).
// An empty level means info.
func New(level string) (*Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return FromZap(z), nil
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return FromZap(zap.NewNop())
}

// With returns a logger that adds keyvals to every entry.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keyvals...)}
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.sugar.Debugw(msg, keyvals...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.sugar.Infow(msg, keyvals...)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.sugar.Errorw(msg, keyvals...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
