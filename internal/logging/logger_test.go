package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaultConfig(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("a warning", "queue", 1)
	if !strings.Contains(buf.String(), "a warning") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "queue=1") {
		t.Errorf("expected key=value args in output, got: %s", buf.String())
	}
}

func TestLoggerPrintfCompatibility(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Printf("device %s ready (%d queues)", "disk0", 4)
	output := buf.String()
	if !strings.Contains(output, "device disk0 ready (4 queues)") {
		t.Errorf("expected formatted message, got: %s", output)
	}
	if !strings.Contains(output, "[INFO]") {
		t.Errorf("expected Printf to log at info level, got: %s", output)
	}
}

func TestLoggerDebugf(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debugf("attach queue %d", 2)
	if !strings.Contains(buf.String(), "attach queue 2") {
		t.Errorf("expected debug message, got: %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("expected debug message with args, got: %s", buf.String())
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same instance across calls")
	}
}
