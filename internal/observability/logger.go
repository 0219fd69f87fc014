package observability

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Debug  bool   `env:"LOG_DEBUG"  envDefault:"false"`
	Format string `env:"LOG_FORMAT" envDefault:"json"` // json | console
}

// Global logger instance - shared across the application.
// Loggers are never stored in context; only the fields that decorate them are.
//
//nolint:gochecknoglobals // Singleton logger is a standard pattern
var (
	globalLogger *zap.Logger
	loggerMu     sync.RWMutex
)

// InitLogger initializes the base logger (called once at startup).
func InitLogger(cfg *LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg != nil {
		if cfg.Format == "console" {
			zcfg.Encoding = "console"
			zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		if cfg.Debug {
			zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
	}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	SetLogger(logger)
	return logger, nil
}

// SetLogger replaces the process logger. Tests use it to install zap.NewNop or an observer.
func SetLogger(logger *zap.Logger) {
	loggerMu.Lock()
	globalLogger = logger
	loggerMu.Unlock()
}

func getBaseLogger() *zap.Logger {
	loggerMu.RLock()
	logger := globalLogger
	loggerMu.RUnlock()

	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// FromContext creates a logger with fields extracted from context.
func FromContext(ctx context.Context) *zap.Logger {
	logger := getBaseLogger()

	fields := make([]zap.Field, 0, len(loggedKeys))
	for _, key := range loggedKeys {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	return logger.With(fields...)
}
