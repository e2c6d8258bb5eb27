package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "explicit config", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debug("debug message", "key", "value")
	if out := buf.String(); !strings.Contains(out, "debug message") || !strings.Contains(out, "key=value") {
		t.Errorf("unexpected debug output: %s", out)
	}

	buf.Reset()
	logger.Warn("warn message")
	if out := buf.String(); !strings.Contains(out, "[WARN]") {
		t.Errorf("unexpected warn output: %s", out)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be filtered, got: %s", buf.String())
	}

	logger.Error("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("expected error to appear, got: %s", buf.String())
	}
}

func TestLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Output: &buf})

	var got []string
	logger.SetSink(func(level LogLevel, line string) {
		got = append(got, line)
	})

	logger.Info("redirected")
	if len(got) != 1 || !strings.Contains(got[0], "redirected") {
		t.Errorf("sink did not receive line, got %v", got)
	}

	logger.SetSink(nil)
	logger.Info("not redirected")
	if len(got) != 1 {
		t.Errorf("expected sink to stop receiving lines after clearing, got %v", got)
	}
}

func TestLoggerRateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.RateLimited(3, "under threshold")
	if !strings.Contains(buf.String(), "[DEBUG]") {
		t.Errorf("expected debug level below threshold, got: %s", buf.String())
	}

	buf.Reset()
	logger.RateLimited(16, "at threshold")
	if !strings.Contains(buf.String(), "[WARN]") {
		t.Errorf("expected warn level at threshold, got: %s", buf.String())
	}
}

func TestLoggerAssert(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Assert(true, "never fires")
	if buf.Len() != 0 {
		t.Errorf("expected no output for passing assertion, got: %s", buf.String())
	}

	defer func() {
		if recover() == nil {
			t.Error("expected Assert to panic on failing condition")
		}
	}()
	logger.Assert(false, "must fire")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if out := buf.String(); !strings.Contains(out, "debug message") || !strings.Contains(out, "key=value") {
		t.Errorf("expected debug message, got: %s", out)
	}

	buf.Reset()
	Info("info message")
	if out := buf.String(); !strings.Contains(out, "info message") {
		t.Errorf("expected info message, got: %s", out)
	}

	buf.Reset()
	Warn("warning message")
	if out := buf.String(); !strings.Contains(out, "warning message") {
		t.Errorf("expected warning message, got: %s", out)
	}

	buf.Reset()
	Error("error message")
	if out := buf.String(); !strings.Contains(out, "error message") {
		t.Errorf("expected error message, got: %s", out)
	}
}
