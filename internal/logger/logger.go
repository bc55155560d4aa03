// Package logger builds the zap loggers used across the hub.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the log encoding.
type Format string

const (
	FormatConsole Format = "CONSOLE"
	FormatJSON    Format = "JSON"
)

// Component names attached to child loggers.
const (
	ComponentHub         = "hub"
	ComponentBus         = "bus"
	ComponentNATS        = "nats-bridge"
	ComponentTransaction = "transaction"
	ComponentRegistry    = "registry"
	ComponentProxy       = "proxy"
	ComponentPersistence = "persistence"
	ComponentArchive     = "archive"
)

// FormatFromEnv reads LOGGING_FORMAT, falling back to def on unknown values.
func FormatFromEnv(def Format) Format {
	f := Format(strings.ToUpper(os.Getenv("LOGGING_FORMAT")))
	if f != FormatConsole && f != FormatJSON {
		return def
	}
	return f
}

// ParseLevel maps a level name onto a zap level. Unknown names yield info.
func ParseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// New creates a logger writing to stdout.
func New(level string, format Format) *zap.Logger {
	return build(level, format, zapcore.AddSync(os.Stdout))
}

func build(level string, format Format, sink zapcore.WriteSyncer) *zap.Logger {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if format == FormatConsole {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05 MST")
		cfg.ConsoleSeparator = " | "
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	}
	core := zapcore.NewCore(enc, sink, zap.NewAtomicLevelAt(ParseLevel(level)))
	return zap.New(core, zap.AddCaller())
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
