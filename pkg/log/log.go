package log

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	global atomic.Pointer[zap.Logger]
)

func init() {
	global.Store(mustBuildLogger())
}

// L returns the process-wide logger.
func L() *zap.Logger {
	return global.Load()
}

// Replace swaps the process-wide logger and returns a function restoring the previous one.
func Replace(logger *zap.Logger) func() {
	prev := global.Swap(logger)
	return func() { global.Store(prev) }
}

// SetLevel changes the level of the process-wide logger. Unknown levels fall back to info.
func SetLevel(name string) {
	level.SetLevel(ParseLevel(name))
}

func ParseLevel(name string) zapcore.Level {
	switch name {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Log writes a CLI-facing message at info level.
func Log(a ...any) {
	L().Sugar().Info(fmt.Sprint(a...))
}

// Logf writes a formatted CLI-facing message at info level.
func Logf(format string, a ...any) {
	L().Sugar().Infof(format, a...)
}

func mustBuildLogger() *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:            level,
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
