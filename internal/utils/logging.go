// internal/utils/logging.go
package utils

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const LogFileMode = 0644

var Logger *zap.Logger

// Init configures zap to write to the console and, when logto is non-empty,
// to a JSON log file as well. This should be called once at startup, before
// the config is even parsed, so early failures are still logged; call it
// again with the configured logto path to attach the file core.
func Init(logto string) error {
	// Configure encoder
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	// Determine log level from environment variable `LOG_LEVEL` (default: info)
	envLevel := os.Getenv("LOG_LEVEL")
	var level zapcore.Level
	if envLevel == "" {
		level = zapcore.InfoLevel
	} else {
		if err := level.UnmarshalText([]byte(envLevel)); err != nil {
			fmt.Printf("unknown LOG_LEVEL '%s', defaulting to 'info'\n", envLevel)
			level = zapcore.InfoLevel
		}
	}

	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level)
	core := zapcore.NewTee(consoleCore)

	if logto != "" {
		logFile, err := os.OpenFile(logto, os.O_CREATE|os.O_APPEND|os.O_WRONLY, LogFileMode)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", logto, err)
		}
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		fileCore := zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), level)
		core = zapcore.NewTee(consoleCore, fileCore)
	}

	Logger = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	Logger.Info("logging initialized",
		zap.String("log_level", level.String()),
		zap.String("logto", logto))

	return nil
}

// Sync flushes any buffered log entries.
func Sync() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

// WithComponent returns a logger pre-bound with a `component` field so callers
// don't have to repeat the same field across messages in a component.
func WithComponent(component string) *zap.Logger {
	if Logger == nil {
		return nil
	}
	return Logger.With(zap.String("component", component))
}
