package logx

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// setupTestLogger redirects log output into a buffer for inspection.
func setupTestLogger() *bytes.Buffer {
	var buf bytes.Buffer
	SetWriter(&buf)
	return &buf
}

func resetTestLogger() {
	SetWriter(nil)
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("history")

	if logger.GetComponent() != "history" {
		t.Errorf("Expected component 'history', got '%s'", logger.GetComponent())
	}
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("assembler")
	logger.Info("Assembled %d messages", 4)

	output := buf.String()

	if !strings.Contains(output, "[assembler]") {
		t.Errorf("Expected component tag in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected level in output, got: %s", output)
	}
	if !strings.Contains(output, "Assembled 4 messages") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	SetDebug(false)
	logger := NewLogger("history")
	logger.Debug("should not appear")

	if buf.Len() != 0 {
		t.Errorf("Expected no debug output when disabled, got: %s", buf.String())
	}

	SetDebug(true)
	defer SetDebug(false)
	logger.Debug("should appear")

	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("Expected debug output when enabled, got: %s", buf.String())
	}
}

func TestWrap(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	base := errors.New("disk full")
	wrapped := Wrap(base, "append message")

	if !errors.Is(wrapped, base) {
		t.Error("Expected wrapped error to unwrap to base error")
	}
	if !strings.Contains(wrapped.Error(), "append message: disk full") {
		t.Errorf("Unexpected wrapped error text: %v", wrapped)
	}
	if !strings.Contains(buf.String(), "append message: disk full") {
		t.Errorf("Expected error to be logged, got: %s", buf.String())
	}

	if Wrap(nil, "noop") != nil {
		t.Error("Expected Wrap(nil) to return nil")
	}
}
