package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger used by the CLI. Library packages
	// never read it directly; they receive a *zap.SugaredLogger from their
	// constructor.
	Logger *zap.SugaredLogger
	// JSONOutput records whether Initialize selected the JSON encoder
	JSONOutput bool
)

func init() {
	// Safe no-op until Initialize runs
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects structured JSON
// for log shippers; otherwise a compact console encoder is used.
func Initialize(jsonOutput bool, level zapcore.Level) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		zapLogger, err = config.Build()
	} else {
		zapLogger = zap.New(zapcore.NewCore(newMinimalEncoder(), zapcore.Lock(os.Stderr), level))
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// ParseLevel converts a config string ("debug", "info", "warn", "error")
// to a zap level. Unknown values fall back to info.
func ParseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// OrNop returns l, or a no-op logger when l is nil. Constructors use it so
// callers may pass nil in tests and tools.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}
