package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.uber.org/zap/zapcore"
)

type bufferSink struct{ bytes.Buffer }

func (b *bufferSink) Sync() error { return nil }

func TestBuildJSONUsesComponentKey(t *testing.T) {
	sink := &bufferSink{}
	log := build("debug", FormatJSON, sink).Named(ComponentRegistry)
	log.Debug("registered")

	var entry map[string]any
	if err := json.Unmarshal(sink.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, sink.String())
	}
	if entry["component"] != ComponentRegistry {
		t.Fatalf("expected component %q, got %v", ComponentRegistry, entry["component"])
	}
	if entry["level"] != "DEBUG" {
		t.Fatalf("expected DEBUG level, got %v", entry["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	sink := &bufferSink{}
	log := build("warn", FormatJSON, sink)
	log.Info("dropped")
	if sink.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", sink.String())
	}
	log.Warn("kept")
	if sink.Len() == 0 {
		t.Fatalf("expected warn to be written")
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := ParseLevel("nonsense"); got != zapcore.InfoLevel {
		t.Fatalf("expected info, got %v", got)
	}
	if got := ParseLevel(" ERROR "); got != zapcore.ErrorLevel {
		t.Fatalf("expected error, got %v", got)
	}
}

func TestFormatFromEnv(t *testing.T) {
	t.Setenv("LOGGING_FORMAT", "console")
	if got := FormatFromEnv(FormatJSON); got != FormatConsole {
		t.Fatalf("expected console, got %s", got)
	}
	t.Setenv("LOGGING_FORMAT", "yaml")
	if got := FormatFromEnv(FormatJSON); got != FormatJSON {
		t.Fatalf("expected fallback, got %s", got)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatalf("expected nop logger")
	}
}
